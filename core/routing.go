package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewAssignmentPolicy builds the first-assignment policy named in cfg.
func NewAssignmentPolicy(cfg RoutingConfig) (AssignmentPolicy, error) {
	switch normalizePolicyName(cfg.Policy) {
	case "", PolicyLeastLoaded:
		return LeastLoadedPolicy{}, nil
	case PolicyRoundRobin:
		return RoundRobinPolicy{}, nil
	case PolicyRuleBased:
		return NewRuleBasedPolicy(cfg.Rules), nil
	default:
		return nil, fmt.Errorf("core: routing policy %q is invalid", cfg.Policy)
	}
}

type LeastLoadedPolicy struct{}

func (LeastLoadedPolicy) Name() string { return PolicyLeastLoaded }

func (LeastLoadedPolicy) Select(_ Conversation, candidates []AssignmentCandidate) (AssignmentCandidate, AssignmentReason, bool) {
	best, ok := leastLoaded(candidates)
	return best, AssignmentReasonLeastLoaded, ok
}

func leastLoaded(candidates []AssignmentCandidate) (AssignmentCandidate, bool) {
	if len(candidates) == 0 {
		return AssignmentCandidate{}, false
	}
	best := candidates[0]
	for _, candidate := range candidates[1:] {
		if candidate.Load.Live < best.Load.Live ||
			(candidate.Load.Live == best.Load.Live && candidate.Assignee.ID < best.Assignee.ID) {
			best = candidate
		}
	}
	return best, true
}

// RoundRobinPolicy picks the assignee whose most recent assignment is the
// oldest; never-assigned candidates go first.
type RoundRobinPolicy struct{}

func (RoundRobinPolicy) Name() string { return PolicyRoundRobin }

func (RoundRobinPolicy) Select(_ Conversation, candidates []AssignmentCandidate) (AssignmentCandidate, AssignmentReason, bool) {
	if len(candidates) == 0 {
		return AssignmentCandidate{}, AssignmentReasonRoundRobin, false
	}
	ordered := append([]AssignmentCandidate(nil), candidates...)
	sort.SliceStable(ordered, func(i, j int) bool {
		left, right := ordered[i].Load.LastAssignedAt, ordered[j].Load.LastAssignedAt
		switch {
		case left == nil && right != nil:
			return true
		case left != nil && right == nil:
			return false
		case left != nil && right != nil && !left.Equal(*right):
			return left.Before(*right)
		}
		return ordered[i].Assignee.ID < ordered[j].Assignee.ID
	})
	return ordered[0], AssignmentReasonRoundRobin, true
}

type RoutingRule struct {
	Tag       string
	Skill     string
	Assignees []string
}

// RuleBasedPolicy picks the least-loaded candidate from the first rule pool
// matching a conversation tag. Without a matching rule it behaves like
// LeastLoadedPolicy.
type RuleBasedPolicy struct {
	rules []RoutingRule
}

func NewRuleBasedPolicy(rules []RoutingRuleConfig) RuleBasedPolicy {
	return RuleBasedPolicy{rules: routingRules(rules)}
}

func (RuleBasedPolicy) Name() string { return PolicyRuleBased }

func (p RuleBasedPolicy) Select(conversation Conversation, candidates []AssignmentCandidate) (AssignmentCandidate, AssignmentReason, bool) {
	matched := false
	for _, rule := range p.rules {
		if !conversation.HasTag(rule.Tag) || len(rule.Assignees) == 0 {
			continue
		}
		matched = true
		pool := make(map[string]struct{}, len(rule.Assignees))
		for _, id := range rule.Assignees {
			pool[strings.TrimSpace(id)] = struct{}{}
		}
		filtered := make([]AssignmentCandidate, 0, len(candidates))
		for _, candidate := range candidates {
			if _, ok := pool[candidate.Assignee.ID]; ok {
				filtered = append(filtered, candidate)
			}
		}
		if best, ok := leastLoaded(filtered); ok {
			return best, AssignmentReasonRuleMatch, true
		}
	}
	if matched {
		return AssignmentCandidate{}, AssignmentReasonRuleMatch, false
	}
	best, ok := leastLoaded(candidates)
	return best, AssignmentReasonLeastLoaded, ok
}

func routingRules(configs []RoutingRuleConfig) []RoutingRule {
	rules := make([]RoutingRule, 0, len(configs))
	for _, cfg := range configs {
		tag := strings.ToLower(strings.TrimSpace(cfg.Tag))
		if tag == "" {
			continue
		}
		rules = append(rules, RoutingRule{
			Tag:       tag,
			Skill:     strings.ToLower(strings.TrimSpace(cfg.Skill)),
			Assignees: append([]string(nil), cfg.Assignees...),
		})
	}
	return rules
}

// Router owns first assignment. The roster may come from a cache; load is
// always read through the transaction's LoadReader.
type Router struct {
	policy      AssignmentPolicy
	rules       []RoutingRule
	directory   AssigneeDirectory
	autoAssign  bool
	maxAttempts int
	now         func() time.Time
}

func NewRouter(policy AssignmentPolicy, cfg RoutingConfig, directory AssigneeDirectory) *Router {
	if policy == nil {
		policy = LeastLoadedPolicy{}
	}
	maxAttempts := cfg.MaxCASAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxCASAttempts
	}
	return &Router{
		policy:      policy,
		rules:       routingRules(cfg.Rules),
		directory:   directory,
		autoAssign:  cfg.AutoAssign,
		maxAttempts: maxAttempts,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

func (r *Router) Policy() AssignmentPolicy {
	if r == nil {
		return nil
	}
	return r.policy
}

// ShouldRoute reports whether the pipeline routes after correlating event.
func (r *Router) ShouldRoute(conversation Conversation, event CanonicalEvent) bool {
	if r == nil || !r.autoAssign || strings.TrimSpace(conversation.ID) == "" {
		return false
	}
	if !event.EventType.IsMessage() {
		return false
	}
	return conversation.Status.IsLive()
}

// Assign returns the sticky assignee when one is set, otherwise runs the
// policy over eligible candidates and claims the conversation with a
// compare-and-swap. A lost claim resolves to the winner as STICKY.
func (r *Router) Assign(ctx context.Context, stores Stores, conversation Conversation, actor string) (AssignmentDecision, Conversation, error) {
	if r == nil {
		return AssignmentDecision{}, conversation, fmt.Errorf("core: router is not configured")
	}
	current := conversation
	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		if strings.TrimSpace(current.AssignedTo) != "" {
			return r.stickyDecision(ctx, stores, current), current, nil
		}
		if current.Status == ConversationStatusClosed {
			return AssignmentDecision{Reason: AssignmentReasonNoEligibleTarget}, current, nil
		}

		candidates, err := r.eligibleCandidates(ctx, stores, current)
		if err != nil {
			return AssignmentDecision{}, current, err
		}
		selected, reason, ok := r.policy.Select(current, candidates)
		if !ok {
			return AssignmentDecision{Reason: AssignmentReasonNoEligibleTarget}, current, nil
		}

		next := current
		if err := next.TransitionTo(ConversationStatusAssigned, r.now()); err != nil {
			return AssignmentDecision{}, current, err
		}
		next.AssignedTo = selected.Assignee.ID
		swapped, err := stores.Conversations.CompareAndSwap(ctx, next, current.Version)
		if err != nil {
			return AssignmentDecision{}, current, err
		}
		if swapped {
			next.Version = current.Version + 1
			if err := stores.History.Append(ctx, AssignmentRecord{
				ID:             uuid.NewString(),
				ConversationID: next.ID,
				Action:         AssignmentActionAssign,
				ToAssignee:     selected.Assignee.ID,
				Reason:         string(reason),
				Actor:          strings.TrimSpace(actor),
				CreatedAt:      r.now(),
			}); err != nil {
				return AssignmentDecision{}, current, err
			}
			return AssignmentDecision{
				Assignee: selected.Assignee.ID,
				Reason:   reason,
				Routing:  selected.Assignee.Routing(),
			}, next, nil
		}

		current, err = stores.Conversations.Get(ctx, current.ID)
		if err != nil {
			return AssignmentDecision{}, conversation, err
		}
	}
	return AssignmentDecision{}, current, fmt.Errorf("%w: assignment of %s after %d attempts", ErrConcurrentUpdate, conversation.ID, r.maxAttempts)
}

func (r *Router) stickyDecision(ctx context.Context, stores Stores, conversation Conversation) AssignmentDecision {
	decision := AssignmentDecision{
		Assignee: conversation.AssignedTo,
		Reason:   AssignmentReasonSticky,
		Routing:  EventRouting{ShopperID: conversation.AssignedTo},
	}
	directory := r.roster(stores)
	if directory == nil {
		return decision
	}
	if assignee, err := directory.GetAssignee(ctx, conversation.AssignedTo); err == nil {
		decision.Routing = assignee.Routing()
	}
	return decision
}

// roster prefers an explicitly configured directory, such as a cached one,
// and otherwise reads assignees through the transaction-bound stores.
func (r *Router) roster(stores Stores) AssigneeDirectory {
	if r.directory != nil {
		return r.directory
	}
	if stores.Assignees != nil {
		return stores.Assignees
	}
	return nil
}

func (r *Router) eligibleCandidates(ctx context.Context, stores Stores, conversation Conversation) ([]AssignmentCandidate, error) {
	directory := r.roster(stores)
	if directory == nil {
		return nil, nil
	}
	roster, err := directory.ListAssignees(ctx)
	if err != nil {
		return nil, err
	}
	if len(roster) == 0 {
		return nil, nil
	}

	blocked := map[string]struct{}{}
	participants, err := stores.Participants.List(ctx, conversation.ID)
	if err != nil && !errors.Is(err, ErrParticipantNotFound) {
		return nil, err
	}
	for _, participant := range participants {
		if participant.IsBlocked {
			blocked[participant.ActorID] = struct{}{}
		}
	}
	required := r.requiredSkills(conversation)

	available := make([]Assignee, 0, len(roster))
	ids := make([]string, 0, len(roster))
	for _, assignee := range roster {
		if !assignee.Available || strings.TrimSpace(assignee.ID) == "" {
			continue
		}
		if _, isBlocked := blocked[assignee.ID]; isBlocked {
			continue
		}
		if !assignee.HasSkills(required) {
			continue
		}
		available = append(available, assignee)
		ids = append(ids, assignee.ID)
	}
	if len(available) == 0 {
		return nil, nil
	}

	loads, err := stores.Load.LoadSnapshot(ctx, ids)
	if err != nil {
		return nil, err
	}
	candidates := make([]AssignmentCandidate, 0, len(available))
	for _, assignee := range available {
		load := loads[assignee.ID]
		if assignee.MaxLoad > 0 && load.Live >= assignee.MaxLoad {
			continue
		}
		candidates = append(candidates, AssignmentCandidate{Assignee: assignee, Load: load})
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Assignee.ID < candidates[j].Assignee.ID
	})
	return candidates, nil
}

func (r *Router) requiredSkills(conversation Conversation) []string {
	var skills []string
	seen := map[string]struct{}{}
	for _, rule := range r.rules {
		if rule.Skill == "" || !conversation.HasTag(rule.Tag) {
			continue
		}
		if _, ok := seen[rule.Skill]; ok {
			continue
		}
		seen[rule.Skill] = struct{}{}
		skills = append(skills, rule.Skill)
	}
	return skills
}
