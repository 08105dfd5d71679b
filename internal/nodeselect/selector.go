// Package nodeselect picks a node for a task: the preferred node, then a warm
// node claimed through the lifecycle actor, then the least loaded running node.
// A nil selection tells the caller to provision a new node.
package nodeselect

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"go_orchestrator/internal/model"
	"go_orchestrator/internal/nodelifecycle"
)

// Source tells which tier produced a selection
type Source string

const (
	SourcePreferred Source = "preferred"
	SourceWarm      Source = "warm"
	SourceCapacity  Source = "capacity"
)

// unknownLoad is used for a missing utilisation metric
const unknownLoad = 0.5

// Selection is a chosen node. Claimed is set when the node was taken out of
// the warm pool for this task, whichever tier picked it.
type Selection struct {
	Node    *model.Node
	Source  Source
	Claimed bool
}

// SelectionError is a permanent rejection; it is not retried
type SelectionError struct {
	NodeID string
	Reason string
}

func (e *SelectionError) Error() string {
	return fmt.Sprintf("node %s unavailable: %s", e.NodeID, e.Reason)
}

// Claimer arbitrates warm node claims
type Claimer interface {
	TryClaim(ctx context.Context, nodeID, taskID string) (*nodelifecycle.ClaimResult, error)
}

// Config holds selection limits
type Config struct {
	MaxWorkspacesPerNode int
	CPUThresholdPercent  float64
	MemThresholdPercent  float64
}

// Selector selects nodes for tasks
type Selector struct {
	reader  NodeReader
	claimer Claimer
	cfg     Config
	logger  *logrus.Entry
}

// NewSelector creates a Selector
func NewSelector(reader NodeReader, claimer Claimer, cfg Config, logger *logrus.Entry) *Selector {
	return &Selector{
		reader:  reader,
		claimer: claimer,
		cfg:     cfg,
		logger:  logger.WithField("component", "node-selector"),
	}
}

// Select returns the node task should run on, or nil when a new node must be provisioned
func (s *Selector) Select(ctx context.Context, task *model.Task) (*Selection, error) {
	if task.PreferredNodeID != nil && *task.PreferredNodeID != "" {
		return s.selectPreferred(ctx, task, *task.PreferredNodeID)
	}

	sel, err := s.selectWarm(ctx, task)
	if err != nil || sel != nil {
		return sel, err
	}

	return s.selectByCapacity(ctx, task)
}

func (s *Selector) selectPreferred(ctx context.Context, task *model.Task, nodeID string) (*Selection, error) {
	node, err := s.reader.GetNode(ctx, nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to read preferred node: %w", err)
	}
	if node == nil {
		return nil, &SelectionError{NodeID: nodeID, Reason: "not found"}
	}
	if node.UserID != task.UserID {
		return nil, &SelectionError{NodeID: nodeID, Reason: "not owned by user"}
	}
	if node.Status != model.NodeStatusRunning {
		return nil, &SelectionError{NodeID: nodeID, Reason: fmt.Sprintf("status is %s", node.Status)}
	}

	sel := &Selection{Node: node, Source: SourcePreferred}
	// a warm preferred node still has to be taken out of the pool
	if node.WarmSince != nil {
		res, err := s.claimer.TryClaim(ctx, nodeID, task.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to claim preferred node: %w", err)
		}
		if !res.Claimed && res.State != nil && res.State.Status == model.LifecycleDestroying {
			return nil, &SelectionError{NodeID: nodeID, Reason: "node is being destroyed"}
		}
		sel.Claimed = res.Claimed
	}
	return sel, nil
}

func (s *Selector) selectWarm(ctx context.Context, task *model.Task) (*Selection, error) {
	candidates, err := s.reader.ListWarmNodes(ctx, task.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to list warm nodes: %w", err)
	}

	// stable sort keeps oldest-warm-first inside each location group
	sort.SliceStable(candidates, func(i, j int) bool {
		return locationMatch(&candidates[i], task) && !locationMatch(&candidates[j], task)
	})

	for i := range candidates {
		nodeID := candidates[i].ID

		fresh, err := s.reader.GetNode(ctx, nodeID)
		if err != nil {
			s.logger.WithError(err).WithField("node_id", nodeID).Warn("Failed to re-read warm candidate")
			continue
		}
		if fresh == nil || fresh.Status != model.NodeStatusRunning || fresh.WarmSince == nil {
			s.logger.WithField("node_id", nodeID).Debug("Warm candidate changed since listing, skipping")
			continue
		}

		res, err := s.claimer.TryClaim(ctx, nodeID, task.ID)
		if err != nil {
			s.logger.WithError(err).WithField("node_id", nodeID).Warn("Warm claim failed")
			continue
		}
		if !res.Claimed {
			s.logger.WithFields(logrus.Fields{"node_id": nodeID, "task_id": task.ID}).Info("Lost warm claim race, trying next candidate")
			continue
		}
		return &Selection{Node: fresh, Source: SourceWarm, Claimed: true}, nil
	}
	return nil, nil
}

type scoredNode struct {
	node  *model.Node
	score float64
	local bool
}

func (s *Selector) selectByCapacity(ctx context.Context, task *model.Task) (*Selection, error) {
	nodes, err := s.reader.ListRunningNodes(ctx, task.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to list running nodes: %w", err)
	}
	if len(nodes) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(nodes))
	for i := range nodes {
		ids = append(ids, nodes[i].ID)
	}
	counts, err := s.reader.CountActiveWorkspaces(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to count workspaces: %w", err)
	}

	var candidates []scoredNode
	for i := range nodes {
		n := &nodes[i]
		if n.HealthStatus == model.HealthStatusUnhealthy {
			continue
		}
		// warm nodes are handed out only through a claim
		if n.WarmSince != nil {
			continue
		}
		if s.cfg.MaxWorkspacesPerNode > 0 && counts[n.ID] >= s.cfg.MaxWorkspacesPerNode {
			continue
		}
		if overThreshold(n.CPUUsagePercent, s.cfg.CPUThresholdPercent) ||
			overThreshold(n.MemoryUsagePercent, s.cfg.MemThresholdPercent) {
			continue
		}
		candidates = append(candidates, scoredNode{
			node:  n,
			score: LoadScore(n),
			local: locationMatch(n, task),
		})
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.local != b.local {
			return a.local
		}
		if ra, rb := a.node.VMSize.Rank(), b.node.VMSize.Rank(); ra != rb {
			return ra > rb
		}
		return a.score < b.score
	})

	return &Selection{Node: candidates[0].node, Source: SourceCapacity}, nil
}

// LoadScore is cpu*0.4 + mem*0.6 over utilisation fractions; lower is better
func LoadScore(n *model.Node) float64 {
	return utilisation(n.CPUUsagePercent)*0.4 + utilisation(n.MemoryUsagePercent)*0.6
}

func utilisation(percent *float64) float64 {
	if percent == nil {
		return unknownLoad
	}
	return *percent / 100
}

func overThreshold(percent *float64, threshold float64) bool {
	return percent != nil && threshold > 0 && *percent >= threshold
}

func locationMatch(n *model.Node, task *model.Task) bool {
	return task.PreferredLocation != "" && n.Location == task.PreferredLocation
}
