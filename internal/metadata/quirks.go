package metadata

// eosQuirk rewrites a declared end-of-sequence id that is known to be wrong.
// Text is checked only when the caller can look tokens up.
type eosQuirk struct {
	arch      string
	declared  int
	text      string
	corrected int
}

// Llama 3 declares <|end_of_text|> (128001) but its chat turns end with
// <|eot_id|> (128009).
var eosQuirks = []eosQuirk{
	{arch: "llama", declared: 128001, text: "<|end_of_text|>", corrected: 128009},
}

// CorrectEOS returns the corrected EOS id for arch and true when a quirk
// applies. tokenText may be nil when the vocabulary is not available yet.
func CorrectEOS(arch string, eos int, tokenText func(int) (string, bool)) (int, bool) {
	for _, q := range eosQuirks {
		if q.arch != arch || q.declared != eos {
			continue
		}
		if tokenText != nil {
			if text, ok := tokenText(eos); !ok || text != q.text {
				continue
			}
			if _, ok := tokenText(q.corrected); !ok {
				continue
			}
		}
		return q.corrected, true
	}
	return eos, false
}
