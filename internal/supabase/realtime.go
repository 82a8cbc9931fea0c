package supabase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"adreel-backend/internal/gateway"
	"adreel-backend/internal/logger"
	"adreel-backend/internal/models"
)

// NotifyChannel is the channel notify_generation_change() publishes on.
const NotifyChannel = "generation_changes"

// RealtimeClient is the push channel backed by Postgres LISTEN/NOTIFY. Each
// subscription holds its own connection so one slow reader cannot stall others.
type RealtimeClient struct {
	connString string
	log        *logger.Logger
}

func NewRealtimeClient(connString string, log *logger.Logger) *RealtimeClient {
	return &RealtimeClient{
		connString: connString,
		log:        log.With("component", "RealtimeClient"),
	}
}

func (r *RealtimeClient) Subscribe(ctx context.Context, jobID uuid.UUID) (gateway.Subscription, error) {
	conn, err := pgx.Connect(ctx, r.connString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect listener: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
		conn.Close(context.Background())
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	stream := gateway.NewStream(context.WithoutCancel(ctx), 16, nil)
	go r.listen(conn, stream, jobID)
	return stream, nil
}

func (r *RealtimeClient) listen(conn *pgx.Conn, stream *gateway.Stream, jobID uuid.UUID) {
	defer conn.Close(context.Background())

	ctx := stream.Context()
	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				stream.Finish(nil)
				return
			}
			r.log.Warn("listener connection lost", "job_id", jobID, "error", err)
			stream.Finish(err)
			return
		}

		change, err := ParseNotification([]byte(n.Payload))
		if err != nil {
			r.log.Warn("dropping malformed notification", "error", err)
			continue
		}
		if change.JobID != jobID {
			continue
		}
		if !stream.Send(change) {
			stream.Finish(nil)
			return
		}
	}
}

type notification struct {
	Table  gateway.Table      `json:"table"`
	Type   gateway.ChangeType `json:"type"`
	JobID  uuid.UUID          `json:"job_id"`
	Record json.RawMessage    `json:"record"`
}

// ParseNotification decodes a notify_generation_change() payload.
func ParseNotification(payload []byte) (gateway.Change, error) {
	var n notification
	if err := json.Unmarshal(payload, &n); err != nil {
		return gateway.Change{}, fmt.Errorf("failed to decode notification: %w", err)
	}
	if len(n.Record) == 0 {
		return gateway.Change{}, errors.New("notification has no record")
	}

	change := gateway.Change{Table: n.Table, Type: n.Type, JobID: n.JobID}
	switch n.Table {
	case gateway.TableJobs:
		var job models.GenerationJob
		if err := json.Unmarshal(n.Record, &job); err != nil {
			return gateway.Change{}, fmt.Errorf("failed to decode job record: %w", err)
		}
		change.Job = &job
	case gateway.TableScenes:
		var scene models.Scene
		if err := json.Unmarshal(n.Record, &scene); err != nil {
			return gateway.Change{}, fmt.Errorf("failed to decode scene record: %w", err)
		}
		change.Scene = &scene
	default:
		return gateway.Change{}, fmt.Errorf("unexpected table %q", n.Table)
	}
	return change, nil
}
