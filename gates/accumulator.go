package gates

// Source identifies where a gate id entered the request.
type Source string

// Gate sources, highest priority first.
const (
	SourceInlineOperator   Source = "inline_operator"
	SourceClientSelection  Source = "client_selection"
	SourceTemporaryRequest Source = "temporary_request"
	SourcePromptConfig     Source = "prompt_config"
	SourceChainLevel       Source = "chain_level"
	SourceMethodology      Source = "methodology"
	SourceRegistryAuto     Source = "registry_auto"
)

var sourcePriorities = map[Source]int{
	SourceInlineOperator:   100,
	SourceClientSelection:  90,
	SourceTemporaryRequest: 80,
	SourcePromptConfig:     60,
	SourceChainLevel:       50,
	SourceMethodology:      40,
	SourceRegistryAuto:     20,
}

// Priority returns the source's resolution priority; unknown sources rank
// below every defined one.
func (s Source) Priority() int {
	return sourcePriorities[s]
}

// Candidate is one accumulated gate id with its winning source.
type Candidate struct {
	ID     string
	Source Source
}

// Accumulator collects gate ids from all sources during one request and
// deduplicates them by priority. It is single-owner per request and needs
// no locking. First-seen order is preserved across re-adds so resolution
// output is deterministic.
type Accumulator struct {
	winners map[string]Source
	order   []string
}

// NewAccumulator creates an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{winners: make(map[string]Source)}
}

// Add records a gate id from a source. When the id is already present the
// higher-priority source wins; ties keep the earlier source.
func (a *Accumulator) Add(id string, src Source) {
	if id == "" {
		return
	}
	current, seen := a.winners[id]
	if !seen {
		a.order = append(a.order, id)
		a.winners[id] = src
		return
	}
	if src.Priority() > current.Priority() {
		a.winners[id] = src
	}
}

// AddAll records several gate ids from the same source.
func (a *Accumulator) AddAll(ids []string, src Source) {
	for _, id := range ids {
		a.Add(id, src)
	}
}

// Candidates returns the deduplicated ids in first-seen order, each with
// its highest-priority source.
func (a *Accumulator) Candidates() []Candidate {
	out := make([]Candidate, 0, len(a.order))
	for _, id := range a.order {
		out = append(out, Candidate{ID: id, Source: a.winners[id]})
	}
	return out
}

// Source returns the winning source recorded for an id.
func (a *Accumulator) Source(id string) (Source, bool) {
	src, ok := a.winners[id]
	return src, ok
}

// SourceCounts returns how many ids each source won.
func (a *Accumulator) SourceCounts() map[Source]int {
	counts := make(map[Source]int)
	for _, src := range a.winners {
		counts[src]++
	}
	return counts
}

// Len returns the number of distinct accumulated ids.
func (a *Accumulator) Len() int {
	return len(a.order)
}
