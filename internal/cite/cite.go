// Package cite rewrites and audits the [N] citation tokens inside dossier
// and report text. A dossier is written against local numbers 1..m (the
// order its pages were fetched); once those URLs are registered in the
// session-wide source registry, the local tokens are rewritten to the
// global numbers in a single pass.
package cite

import (
	"regexp"
	"sort"
	"strconv"
)

// tokenRe matches exactly one bracketed citation token. The closing
// bracket must follow the digits directly, so [1] can never match inside
// [12].
var tokenRe = regexp.MustCompile(`\[(\d+)\]`)

// Rewrite replaces every [i] token whose number has an entry in mapping
// with [mapping[i]]. The whole text is rewritten in one pass, so each
// token is translated at most once: a swap like {1:3, 3:1} cannot cascade
// the way sequential search-and-replace would. Tokens without a mapping
// entry are left alone.
func Rewrite(text string, mapping map[int]int) string {
	if text == "" || len(mapping) == 0 {
		return text
	}
	return tokenRe.ReplaceAllStringFunc(text, func(tok string) string {
		n, err := strconv.Atoi(tok[1 : len(tok)-1])
		if err != nil {
			return tok
		}
		g, ok := mapping[n]
		if !ok {
			return tok
		}
		return "[" + strconv.Itoa(g) + "]"
	})
}

// Numbers returns the distinct citation numbers appearing in text, in
// first-appearance order.
func Numbers(text string) []int {
	var nums []int
	seen := make(map[int]struct{})
	for _, m := range tokenRe.FindAllStringSubmatch(text, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		nums = append(nums, n)
	}
	return nums
}

// Missing returns, sorted ascending, the citation numbers used in text
// that have no entry in registry. An empty result means every citation
// resolves.
func Missing(text string, registry map[int]string) []int {
	var missing []int
	for _, n := range Numbers(text) {
		if _, ok := registry[n]; !ok {
			missing = append(missing, n)
		}
	}
	sort.Ints(missing)
	return missing
}
