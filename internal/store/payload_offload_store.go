package store

import (
	"context"
	"path"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/dunamismax/florique/internal/domain"
)

const payloadRefPrefix = "object://"

// ObjectStorage is the slice of the object storage client the offload store uses.
type ObjectStorage interface {
	ReadObject(ctx context.Context, objectKey string) ([]byte, error)
	WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error
}

// PayloadOffloadStore keeps image payloads in object storage and stores only a
// reference in the job row. The output is fetched on demand through
// LoadOutputPayload. The input is kept for the record and never read back.
type PayloadOffloadStore struct {
	Store
	objects ObjectStorage
	prefix  string
}

func NewPayloadOffloadStore(inner Store, objects ObjectStorage, prefix string) (*PayloadOffloadStore, error) {
	if inner == nil {
		return nil, errors.New("inner store is required")
	}
	if objects == nil {
		return nil, errors.New("object storage is required")
	}
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		prefix = "jobs"
	}
	return &PayloadOffloadStore{Store: inner, objects: objects, prefix: prefix}, nil
}

func (s *PayloadOffloadStore) CreateJob(ctx context.Context, job domain.Job) error {
	if job.InputPayload != "" {
		key := s.objectKey(job.ID, "input")
		if err := s.objects.WriteObject(ctx, key, []byte(job.InputPayload), "text/plain"); err != nil {
			return errors.Wrapf(err, "offload input payload job_id=%s", job.ID)
		}
		job.InputPayload = payloadRefPrefix + key
	}
	return s.Store.CreateJob(ctx, job)
}

func (s *PayloadOffloadStore) CompleteJob(ctx context.Context, jobID, outputPayload string) error {
	key := s.objectKey(jobID, "output")
	if err := s.objects.WriteObject(ctx, key, []byte(outputPayload), "text/plain"); err != nil {
		return errors.Wrapf(err, "offload output payload job_id=%s", jobID)
	}
	return s.Store.CompleteJob(ctx, jobID, payloadRefPrefix+key)
}

// GetJob returns the row as stored, payload references included, so status
// reads never touch object storage.
func (s *PayloadOffloadStore) GetJob(ctx context.Context, jobID string) (domain.Job, bool, error) {
	return s.Store.GetJob(ctx, jobID)
}

func (s *PayloadOffloadStore) LoadOutputPayload(ctx context.Context, job domain.Job) (string, error) {
	return s.resolve(ctx, job.OutputPayload)
}

func (s *PayloadOffloadStore) resolve(ctx context.Context, value string) (string, error) {
	key, ok := strings.CutPrefix(value, payloadRefPrefix)
	if !ok {
		return value, nil
	}
	data, err := s.objects.ReadObject(ctx, key)
	if err != nil {
		return "", errors.Wrapf(err, "load payload %s", key)
	}
	return string(data), nil
}

func (s *PayloadOffloadStore) objectKey(jobID, kind string) string {
	return path.Join(s.prefix, sanitizePathToken(jobID), kind)
}

func sanitizePathToken(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}

	var b strings.Builder
	b.Grow(len(in))
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
