// Package identifier derives the sequence numbers and document keys a document
// must carry before it can be submitted.
package identifier

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/mmdatafocus/clearance_backend/faults"
	"github.com/mmdatafocus/clearance_backend/models"
)

const (
	SequenceNumberLength = 20
	sequentialDigits     = 10
	maxSequential        = 9999999999
)

// SequenceStore is the slice of the storage collaborator the generator reads.
type SequenceStore interface {
	MaxSequenceNumber(ctx context.Context, tenantId, branch, terminal string, category models.DocumentCategory) (string, error)
	ExistsByKey(ctx context.Context, documentKey string) (bool, error)
}

// Counter reserves sequentials across replicas. Next must return a value strictly
// greater than floor and never hand the same value out twice.
type Counter interface {
	Next(ctx context.Context, key string, floor int64) (int64, error)
	Peek(ctx context.Context, key string) (int64, error)
}

type Generator struct {
	Store   SequenceStore
	Counter Counter
	// SecurityCode returns an 8-digit code; nil uses crypto/rand.
	SecurityCode func() (string, error)
	// Situation is the emission situation digit; empty means normal.
	Situation string

	mu   sync.Mutex
	last map[string]int64
}

func NewGenerator(store SequenceStore, counter Counter) *Generator {
	return &Generator{
		Store:   store,
		Counter: counter,
		last:    make(map[string]int64),
	}
}

// NextSequenceNumber reserves and returns the next 20-digit sequence number for
// (tenant, branch, terminal, category).
func (g *Generator) NextSequenceNumber(ctx context.Context, tenantId string, category models.DocumentCategory, branch, terminal string) (string, error) {
	if err := validateLocation(category, branch, terminal); err != nil {
		return "", err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	floor, err := g.floor(ctx, tenantId, category, branch, terminal)
	if err != nil {
		return "", err
	}

	next := floor + 1
	if g.Counter != nil {
		next, err = g.Counter.Next(ctx, counterKey(tenantId, branch, terminal, category), floor)
		if err != nil {
			return "", faults.Storage("NextSequenceNumber", err)
		}
	}
	if next > maxSequential {
		return "", faults.Invariant("NextSequenceNumber", "sequence exhausted for %s%s%s", branch, terminal, category)
	}

	g.last[prefixKey(tenantId, branch, terminal, category)] = next
	return FormatSequenceNumber(branch, terminal, category, next), nil
}

// PreviewNextSequence returns what NextSequenceNumber would hand out, without reserving it.
func (g *Generator) PreviewNextSequence(ctx context.Context, tenantId string, category models.DocumentCategory, branch, terminal string) (string, error) {
	if err := validateLocation(category, branch, terminal); err != nil {
		return "", err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	floor, err := g.floor(ctx, tenantId, category, branch, terminal)
	if err != nil {
		return "", err
	}
	if g.Counter != nil {
		cur, err := g.Counter.Peek(ctx, counterKey(tenantId, branch, terminal, category))
		if err != nil {
			return "", faults.Storage("PreviewNextSequence", err)
		}
		if cur > floor {
			floor = cur
		}
	}
	return FormatSequenceNumber(branch, terminal, category, floor+1), nil
}

// floor is the highest sequential known to be taken. Caller holds g.mu.
func (g *Generator) floor(ctx context.Context, tenantId string, category models.DocumentCategory, branch, terminal string) (int64, error) {
	stored, err := g.Store.MaxSequenceNumber(ctx, tenantId, branch, terminal, category)
	if err != nil {
		return 0, faults.Storage("MaxSequenceNumber", err)
	}
	var floor int64
	if stored != "" {
		parts, err := ParseSequenceNumber(stored)
		if err != nil {
			return 0, faults.Invariant("MaxSequenceNumber", "stored sequence %q is malformed", stored)
		}
		floor = parts.Sequential
	}
	if g.last == nil {
		g.last = make(map[string]int64)
	}
	if last := g.last[prefixKey(tenantId, branch, terminal, category)]; last > floor {
		floor = last
	}
	return floor, nil
}

type CategoryStatistics struct {
	Category           models.DocumentCategory `json:"category"`
	Name               string                  `json:"name"`
	LastSequenceNumber string                  `json:"last_sequence_number,omitempty"`
	LastSequential     int64                   `json:"last_sequential"`
	NextSequenceNumber string                  `json:"next_sequence_number"`
}

// SequenceStatistics reports the last issued sequential of every category at one location.
func (g *Generator) SequenceStatistics(ctx context.Context, tenantId, branch, terminal string) ([]CategoryStatistics, error) {
	out := make([]CategoryStatistics, 0, len(models.AllDocumentCategories))
	for _, c := range models.AllDocumentCategories {
		if err := validateLocation(c, branch, terminal); err != nil {
			return nil, err
		}
		stored, err := g.Store.MaxSequenceNumber(ctx, tenantId, branch, terminal, c)
		if err != nil {
			return nil, faults.Storage("SequenceStatistics", err)
		}
		st := CategoryStatistics{Category: c, Name: c.Name(), LastSequenceNumber: stored}
		if stored != "" {
			parts, err := ParseSequenceNumber(stored)
			if err != nil {
				return nil, faults.Invariant("SequenceStatistics", "stored sequence %q is malformed", stored)
			}
			st.LastSequential = parts.Sequential
		}
		st.NextSequenceNumber = FormatSequenceNumber(branch, terminal, c, st.LastSequential+1)
		out = append(out, st)
	}
	return out, nil
}

func FormatSequenceNumber(branch, terminal string, category models.DocumentCategory, sequential int64) string {
	return branch + terminal + string(category) + fmt.Sprintf("%0*d", sequentialDigits, sequential)
}

func validateLocation(category models.DocumentCategory, branch, terminal string) error {
	if !isDigits(branch, 3) {
		return faults.Configuration("NextSequenceNumber", "branch must be exactly 3 digits, got %q", branch)
	}
	if !isDigits(terminal, 5) {
		return faults.Configuration("NextSequenceNumber", "terminal must be exactly 5 digits, got %q", terminal)
	}
	if !category.IsValid() {
		return faults.Configuration("NextSequenceNumber", "unknown document category %q", string(category))
	}
	return nil
}

func prefixKey(tenantId, branch, terminal string, category models.DocumentCategory) string {
	return tenantId + ":" + branch + terminal + string(category)
}

func counterKey(tenantId, branch, terminal string, category models.DocumentCategory) string {
	return "clearance:seq:" + prefixKey(tenantId, branch, terminal, category)
}

func isDigits(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func atoi64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
