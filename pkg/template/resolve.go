package template

// Resolve picks a Jinja template when source is present and the
// passthrough template otherwise, then attaches the BOS and EOS token
// texts that tokenText can resolve.
func Resolve(source *string, bos, eos *int, tokenText func(id int) (string, bool)) (Template, error) {
	var tpl Template
	if source != nil {
		j, err := NewJinja(*source)
		if err != nil {
			return nil, err
		}
		tpl = j
	} else {
		tpl = NewPassthrough()
	}

	if tokenText == nil {
		return tpl, nil
	}
	if bos != nil {
		if text, ok := tokenText(*bos); ok {
			tpl.SetBOS(text)
		}
	}
	if eos != nil {
		if text, ok := tokenText(*eos); ok {
			tpl.SetEOS(text)
		}
	}
	return tpl, nil
}
