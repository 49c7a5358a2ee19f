package audit

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/oriole-systems/toolhub/pkg/models"
	"github.com/oriole-systems/toolhub/pkg/repositories"
)

// slowRepo blocks inserts until released so tests can fill the buffer.
type slowRepo struct {
	mu      sync.Mutex
	gate    chan struct{}
	events  []*models.AuditEvent
	blockCh chan struct{}
}

func newSlowRepo(blocking bool) *slowRepo {
	r := &slowRepo{gate: make(chan struct{})}
	if blocking {
		r.blockCh = make(chan struct{})
	}
	return r
}

func (r *slowRepo) Insert(_ context.Context, event *models.AuditEvent) error {
	if r.blockCh != nil {
		<-r.blockCh
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *slowRepo) List(context.Context, repositories.AuditFilter) ([]*models.AuditEvent, error) {
	return nil, nil
}

func TestRecorder_WritesEvents(t *testing.T) {
	repo := newSlowRepo(false)
	recorder := NewRecorder(repo, 8, zap.NewNop())

	recorder.Record(&models.AuditEvent{Category: models.AuditAuth, Action: "auth.login", Success: true})
	recorder.Record(&models.AuditEvent{Category: models.AuditTool, Action: "tool.call", TargetName: "echo", Success: true})
	recorder.Close()

	require.Len(t, repo.events, 2)
	assert.Equal(t, "auth.login", repo.events[0].Action)
	assert.Equal(t, "tool.call", repo.events[1].Action)
	// Tool events carry only the tool name, never payloads.
	assert.Equal(t, "echo", repo.events[1].TargetName)
}

func TestRecorder_DropsOldestUnderPressure(t *testing.T) {
	repo := newSlowRepo(true)
	recorder := NewRecorder(repo, 2, zap.NewNop())

	for i := 0; i < 10; i++ {
		recorder.Record(&models.AuditEvent{Category: models.AuditTool, Action: "tool.call", Success: true})
	}

	close(repo.blockCh)
	recorder.Close()

	// Overload never blocked Record; a drop marker notes the loss and
	// carries the count.
	require.NotEmpty(t, repo.events)
	var marker *models.AuditEvent
	for _, event := range repo.events {
		if event.Action == "audit.events_dropped" {
			marker = event
			break
		}
	}
	require.NotNil(t, marker)
	count, err := strconv.ParseInt(marker.TargetName, 10, 64)
	require.NoError(t, err)
	assert.Positive(t, count)
}

func TestRecorder_DropMarkerLandsWhileRunning(t *testing.T) {
	repo := newSlowRepo(true)
	recorder := NewRecorder(repo, 2, zap.NewNop())
	defer recorder.Close()

	for i := 0; i < 10; i++ {
		recorder.Record(&models.AuditEvent{Category: models.AuditTool, Action: "tool.call", Success: true})
	}
	close(repo.blockCh)

	// The marker shows up as the writer drains, with the recorder still
	// open for business.
	assert.Eventually(t, func() bool {
		repo.mu.Lock()
		defer repo.mu.Unlock()
		for _, event := range repo.events {
			if event.Action == "audit.events_dropped" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}
