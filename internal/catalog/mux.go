package catalog

import (
	"regexp"
	"strings"

	"github.com/rawblock/inference-gateway/pkg/models"
)

// Resolution is the multiplexer's answer: the chosen upstream and the
// canonical cached model.
type Resolution struct {
	Upstream models.Upstream
	Model    models.Model
}

// Alias priorities. Exact bare-id matches always beat slug matches, which
// beat everything else; cost only breaks ties within a priority class.
const (
	priorityExact = 3
	prioritySlug  = 2
	priorityAlias = 1
)

// openRouterPenalty nudges selection toward direct providers when an
// OpenRouter listing is otherwise priced identically.
const openRouterPenalty = 1.001

var datedSuffix = regexp.MustCompile(`-\d{4}-\d{2}-\d{2}$`)

// Resolve maps an inbound model identifier, possibly an alias or an
// `<upstream>/<id>` pinned form, to exactly one (upstream, model) pair.
func (c *Catalog) Resolve(requested string) (*Resolution, error) {
	requested = strings.TrimSpace(requested)
	if requested == "" {
		return nil, models.NewInvalidModel(requested)
	}

	snaps := c.ordered()

	// A prefix that names a configured upstream pins the choice to it.
	if head, rest, ok := strings.Cut(requested, "/"); ok {
		for _, snap := range snaps {
			if snap.upstream.ID == head {
				if res := bestInSnapshot(snap, rest); res != nil {
					return res, nil
				}
				return nil, models.NewInvalidModel(requested)
			}
		}
	}

	var best *Resolution
	bestPriority := 0
	bestScore := 0.0
	for _, snap := range snaps {
		res, prio := bestMatch(snap, requested)
		if res == nil {
			continue
		}
		score := costScore(res.Model.Pricing)
		if res.Upstream.Provider == models.ProviderOpenRouter {
			score *= openRouterPenalty
		}
		if best == nil || prio > bestPriority || (prio == bestPriority && score < bestScore) {
			best = res
			bestPriority = prio
			bestScore = score
		}
	}
	if best == nil {
		return nil, models.NewInvalidModel(requested)
	}
	return best, nil
}

// bestInSnapshot resolves within one pinned upstream, ignoring cost.
func bestInSnapshot(snap *snapshot, requested string) *Resolution {
	res, _ := bestMatch(snap, requested)
	return res
}

// bestMatch finds the highest-priority alias match inside one snapshot.
func bestMatch(snap *snapshot, requested string) (*Resolution, int) {
	var best *models.Model
	bestPrio := 0
	for i := range snap.models {
		m := &snap.models[i]
		prio := matchPriority(m, requested)
		if prio > bestPrio {
			best = m
			bestPrio = prio
		}
	}
	if best == nil {
		return nil, 0
	}
	return &Resolution{Upstream: snap.upstream, Model: *best}, bestPrio
}

// matchPriority reports how the requested id relates to the model:
// 3 for an exact bare-id match, 2 for a canonical-slug match, 1 for any
// other recognized alias, 0 for no match.
func matchPriority(m *models.Model, requested string) int {
	bare := stripPrefix(m.ID)
	if requested == m.ID || requested == bare {
		return priorityExact
	}
	if m.Slug != "" && (requested == m.Slug || requested == stripPrefix(m.Slug)) {
		return prioritySlug
	}
	for _, alias := range m.Aliases {
		if requested == alias {
			return priorityAlias
		}
	}
	// A trailing -YYYY-MM-DD dated suffix resolves like the undated id.
	if undated := datedSuffix.ReplaceAllString(requested, ""); undated != requested {
		if undated == m.ID || undated == bare {
			return priorityAlias
		}
	}
	return 0
}

// stripPrefix removes the provider namespace from a canonical id:
// "openai/gpt-4o-mini" -> "gpt-4o-mini".
func stripPrefix(id string) string {
	if _, rest, ok := strings.Cut(id, "/"); ok {
		return rest
	}
	return id
}

// costScore ranks candidates by weighted fee-adjusted USD pricing;
// lower is cheaper.
func costScore(p models.Pricing) float64 {
	return p.Prompt*1000 + p.Completion*500 + p.Request +
		0.1*p.Image + 0.1*p.WebSearch + 0.2*p.InternalReasoning
}
