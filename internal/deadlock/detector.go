package deadlock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"orgline/internal/domain"
	"orgline/internal/repo"
)

type TaskReader interface {
	GetTask(ctx context.Context, id string) (domain.Task, error)
}

// StoreDetector finds cycles by walking blocked_by edges between blocked tasks.
// Tokens that do not name a task, and tasks that are no longer blocked, end a path.
type StoreDetector struct {
	Store TaskReader
}

// DetectCycle returns a cycle through taskID in blocked_by order starting at taskID,
// or nil when the task is not part of one.
func (d StoreDetector) DetectCycle(ctx context.Context, taskID string) ([]string, error) {
	cache := map[string]*domain.Task{}
	load := func(id string) (*domain.Task, error) {
		if t, ok := cache[id]; ok {
			return t, nil
		}
		t, err := d.Store.GetTask(ctx, id)
		if errors.Is(err, repo.ErrNotFound) {
			cache[id] = nil
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("load task %s: %w", id, err)
		}
		if t.Status != domain.TaskBlocked {
			cache[id] = nil
			return nil, nil
		}
		cache[id] = &t
		return &t, nil
	}

	start, err := load(taskID)
	if err != nil || start == nil {
		return nil, err
	}
	type frame struct {
		task *domain.Task
		next int
	}
	visited := map[string]bool{taskID: true}
	stack := []frame{{task: start}}
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.next >= len(top.task.BlockedBy) {
			stack = stack[:len(stack)-1]
			continue
		}
		token := top.task.BlockedBy[top.next]
		top.next++
		if token == taskID {
			cycle := make([]string, len(stack))
			for i, f := range stack {
				cycle[i] = f.task.ID
			}
			return cycle, nil
		}
		if visited[token] {
			continue
		}
		visited[token] = true
		t, err := load(token)
		if err != nil {
			return nil, err
		}
		if t != nil {
			stack = append(stack, frame{task: t})
		}
	}
	return nil, nil
}

// CanonicalKey identifies a cycle independent of rotation and direction.
func CanonicalKey(cycle []string) string {
	ids := append([]string(nil), cycle...)
	sort.Strings(ids)
	return strings.Join(ids, ",")
}

// ThreadID derives the correlation id shared by every notification about one cycle.
func ThreadID(cycle []string) string {
	return "deadlock-" + uuid.NewSHA1(uuid.NameSpaceOID, []byte(CanonicalKey(cycle))).String()
}

// rotate returns cycle starting at its smallest id, keeping edge order.
func rotate(cycle []string) []string {
	if len(cycle) == 0 {
		return nil
	}
	first := 0
	for i, id := range cycle {
		if id < cycle[first] {
			first = i
		}
	}
	out := make([]string, 0, len(cycle))
	out = append(out, cycle[first:]...)
	return append(out, cycle[:first]...)
}
