// Package extract derives entities and a type classification from raw
// memory content. Both are heuristic and domain-agnostic: they exist so
// that an agent can store free text without hand-labelling every record.
package extract

import (
	"regexp"
	"sort"
	"strings"

	"github.com/engramdb/engram/pkg/types"
)

// MaxEntities caps how many entities are extracted per record.
const MaxEntities = 15

var stopWords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields(`
		the a an is are was were be been being have has had do does did
		will would could should may might must shall can need dare ought
		used to of in for on with at by from as into through during before
		after above below between under again further then once here there
		when where why how all each few more most other some such no nor
		not only own same so than too very just also now and but if or
		because until while this that these those it its i me my we our
		you your he him his she her they them their what which who whom
		get got about like want know think make take see come go use using`) {
		stopWords[w] = struct{}{}
	}
}

var (
	hashtagRe = regexp.MustCompile(`#(\w+)`)
	quotedRe  = regexp.MustCompile(`"([^"]{2,30})"`)
	capsRe    = regexp.MustCompile(`\b([A-Z][a-z]+(?:\s+[A-Z][a-z]+){0,2})\b`)
	wordRe    = regexp.MustCompile(`\b([a-z]{3,})\b`)
	bigramRe  = regexp.MustCompile(`\b([a-z]{3,}\s+[a-z]{3,})\b`)
)

// Entities extracts up to MaxEntities key topics from free text. Hashtags,
// short quoted phrases, capitalized phrases, individual key terms, and
// bigrams all contribute, stop words excluded. Shorter, fewer-word entities
// sort first so the cap keeps the most specific candidates.
func Entities(content string) []string {
	lower := strings.ToLower(content)
	found := map[string]struct{}{}

	for _, m := range hashtagRe.FindAllStringSubmatch(lower, -1) {
		found[m[1]] = struct{}{}
	}
	for _, m := range quotedRe.FindAllStringSubmatch(lower, -1) {
		phrase := strings.TrimSpace(m[1])
		if len(strings.Fields(phrase)) <= 4 {
			found[phrase] = struct{}{}
		}
	}
	for _, m := range capsRe.FindAllStringSubmatch(content, -1) {
		found[strings.ToLower(m[1])] = struct{}{}
	}
	for _, m := range wordRe.FindAllStringSubmatch(lower, -1) {
		if len(m[1]) <= 20 {
			found[m[1]] = struct{}{}
		}
	}
	for _, m := range bigramRe.FindAllStringSubmatch(lower, -1) {
		parts := strings.Fields(m[1])
		clean := true
		for _, p := range parts {
			if _, stop := stopWords[p]; stop {
				clean = false
				break
			}
		}
		if clean {
			found[m[1]] = struct{}{}
		}
	}

	out := make([]string, 0, len(found))
	for e := range found {
		if len(e) < 3 {
			continue
		}
		if _, stop := stopWords[e]; stop {
			continue
		}
		out = append(out, e)
	}

	sort.Slice(out, func(i, j int) bool {
		wi, wj := len(strings.Fields(out[i])), len(strings.Fields(out[j]))
		if wi != wj {
			return wi < wj
		}
		if len(out[i]) != len(out[j]) {
			return len(out[i]) < len(out[j])
		}
		return out[i] < out[j]
	})

	if len(out) > MaxEntities {
		out = out[:MaxEntities]
	}
	return out
}

// classifier keywords are checked in order; the first label with a keyword
// hit wins.
var classifiers = []struct {
	label    types.MemoryType
	keywords []string
}{
	{types.TypeInstruction, []string{"always", "never", "rule", "instruction", "standing order", "must always", "must never", "guideline", "policy"}},
	{types.TypeDecision, []string{"decided", "decision", "chose", "choice", "picked", "selected", "going with", "will use", "opted"}},
	{types.TypePreference, []string{"prefer", "preference", "favorite", "like best", "rather", "better to", "style"}},
	{types.TypeLearning, []string{"learned", "learning", "studied", "studying", "understood", "realized", "discovered", "insight"}},
	{types.TypeTask, []string{"todo", "task", "need to", "should", "must", "will do", "plan to", "going to", "next step"}},
	{types.TypeQuestion, []string{"question", "wondering", "curious", "ask about", "find out", "research", "investigate"}},
	{types.TypeNote, []string{"note", "noticed", "observed", "important", "remember that", "keep in mind"}},
	{types.TypeProgress, []string{"completed", "finished", "done", "progress", "achieved", "accomplished", "milestone"}},
}

// Classify assigns a memory type from content keywords, defaulting to
// TypeInfo when nothing matches.
func Classify(content string) types.MemoryType {
	lower := strings.ToLower(content)
	for _, c := range classifiers {
		for _, kw := range c.keywords {
			if strings.Contains(lower, kw) {
				return c.label
			}
		}
	}
	return types.TypeInfo
}
