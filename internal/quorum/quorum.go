// Package quorum decides whether enough cluster members are reachable for
// this node to accept writes.
package quorum

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/repovault/repovault/internal/metrics"
	"github.com/rs/zerolog/log"
)

// Status is the write quorum state of one database.
type Status struct {
	DatabaseName  string   `json:"database_name"`
	OnlineNodes   []string `json:"online_nodes"`
	WriteQuorum   int      `json:"write_quorum"`
	QuorumPresent bool     `json:"quorum_present"`
}

func newStatus(database string, online []string, writeQuorum int) Status {
	return Status{
		DatabaseName:  database,
		OnlineNodes:   online,
		WriteQuorum:   writeQuorum,
		QuorumPresent: len(online) >= writeQuorum,
	}
}

// SingleNode returns the status reported when clustering is disabled.
func SingleNode(localNode string) Status {
	return newStatus("", []string{localNode}, 1)
}

// Membership is the cluster view the evaluator reads. It is never modified.
type Membership interface {
	IsClustered() bool
	LocalNode() string
	Databases() []string
	OnlineMembers(ctx context.Context, database string) ([]string, error)
	ConfiguredMembers(ctx context.Context, database string) (map[string]struct{}, error)
}

// Policy computes the write quorum for a configured member count.
type Policy struct {
	kind  string
	fixed int
}

// Majority requires more than half of the configured members.
var Majority = Policy{kind: "majority"}

// All requires every configured member.
var All = Policy{kind: "all"}

// Fixed requires n members, capped at the configured member count.
func Fixed(n int) Policy {
	return Policy{kind: "fixed", fixed: n}
}

// ParsePolicy parses "majority", "all" or a positive integer. An empty string
// means majority.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "majority":
		return Majority, nil
	case "all":
		return All, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n <= 0 {
		return Policy{}, fmt.Errorf("invalid write quorum %q: want majority, all or a positive integer", s)
	}
	return Fixed(n), nil
}

// WriteQuorum returns the number of members required out of configured.
func (p Policy) WriteQuorum(configured int) int {
	if configured <= 0 {
		return 1
	}
	switch p.kind {
	case "all":
		return configured
	case "fixed":
		if p.fixed > configured {
			return configured
		}
		return p.fixed
	default:
		return configured/2 + 1
	}
}

func (p Policy) String() string {
	if p.kind == "fixed" {
		return strconv.Itoa(p.fixed)
	}
	if p.kind == "" {
		return "majority"
	}
	return p.kind
}

// Evaluator computes quorum status from a Membership.
type Evaluator struct {
	membership Membership
	policy     Policy
	metrics    *metrics.Metrics
}

// NewEvaluator creates an evaluator.
func NewEvaluator(membership Membership, policy Policy, m *metrics.Metrics) *Evaluator {
	return &Evaluator{membership: membership, policy: policy, metrics: m}
}

// GetQuorumStatus returns the status of the first database lacking quorum, or
// of the last database checked when all have it. Databases are checked in
// name order. Write quorum is derived from the configured member count, not
// from the members currently visible.
func (e *Evaluator) GetQuorumStatus(ctx context.Context) (Status, error) {
	if !e.membership.IsClustered() {
		return SingleNode(e.membership.LocalNode()), nil
	}

	databases := append([]string(nil), e.membership.Databases()...)
	sort.Strings(databases)

	var status Status
	for _, db := range databases {
		online, err := e.membership.OnlineMembers(ctx, db)
		if err != nil {
			return Status{}, fmt.Errorf("online members of %s: %w", db, err)
		}
		configured, err := e.membership.ConfiguredMembers(ctx, db)
		if err != nil {
			return Status{}, fmt.Errorf("configured members of %s: %w", db, err)
		}

		online = append([]string(nil), online...)
		sort.Strings(online)
		status = newStatus(db, online, e.policy.WriteQuorum(len(configured)))
		e.metrics.RecordQuorum(db, len(status.OnlineNodes), status.WriteQuorum, status.QuorumPresent)

		if !status.QuorumPresent {
			log.Warn().
				Str("database", db).
				Strs("online", status.OnlineNodes).
				Int("write_quorum", status.WriteQuorum).
				Int("configured", len(configured)).
				Msg("write quorum lost")
			return status, nil
		}
	}

	if len(databases) == 0 {
		return SingleNode(e.membership.LocalNode()), nil
	}
	return status, nil
}
