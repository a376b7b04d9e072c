package propagation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePutter struct {
	mu      sync.Mutex
	objects map[string][]byte
	meta    map[string]map[string]string
	fail    map[string]bool
}

func newFakePutter() *fakePutter {
	return &fakePutter{objects: map[string][]byte{}, meta: map[string]map[string]string{}, fail: map[string]bool{}}
}

func (p *fakePutter) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	key := aws.ToString(in.Key)
	if p.fail[key] {
		return nil, errors.New("access denied")
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.objects[aws.ToString(in.Bucket)+"/"+key] = body
	p.meta[key] = in.Metadata
	return &s3.PutObjectOutput{}, nil
}

func TestS3Archiver_Archive(t *testing.T) {
	putter := newFakePutter()
	a := NewS3Archiver(putter, "reports", "jobs")

	job := sampleJob("job-7", time.Date(2026, 2, 9, 23, 0, 0, 0, time.UTC), StatusPartiallyCompleted)
	require.Equal(t, "jobs/2026/02/09/job-7.json", a.Key(job))
	require.NoError(t, a.Archive(context.Background(), job))

	body, ok := putter.objects["reports/jobs/2026/02/09/job-7.json"]
	require.True(t, ok)
	var decoded Job
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, "job-7", decoded.ID)
	assert.Equal(t, "partially_completed", putter.meta["jobs/2026/02/09/job-7.json"]["job-status"])
	assert.Len(t, putter.meta["jobs/2026/02/09/job-7.json"]["checksum-sha256"], 64)
}

func TestSweeper_ArchivesThenDeletes(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryJobStore()
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.Create(ctx, sampleJob("expired-1", now.Add(-72*time.Hour), StatusCompleted)))
	require.NoError(t, store.Create(ctx, sampleJob("expired-2", now.Add(-48*time.Hour), StatusFailed)))
	require.NoError(t, store.Create(ctx, sampleJob("recent", now.Add(-time.Hour), StatusCompleted)))
	require.NoError(t, store.Create(ctx, sampleJob("running", now.Add(-96*time.Hour), StatusApplying)))

	putter := newFakePutter()
	log, _ := test.NewNullLogger()
	s := NewSweeper(store, NewS3Archiver(putter, "reports", ""), 24*time.Hour, log)
	s.now = func() time.Time { return now }

	res, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Archived: 2, Deleted: 2}, res)
	assert.Len(t, putter.objects, 2)

	left, err := store.List(ctx, ListFilter{})
	require.NoError(t, err)
	ids := []string{left[0].ID, left[1].ID}
	assert.ElementsMatch(t, []string{"recent", "running"}, ids)
}

func TestSweeper_KeepsJobsThatFailToArchive(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryJobStore()
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	created := now.Add(-72 * time.Hour)

	require.NoError(t, store.Create(ctx, sampleJob("bad", created, StatusCompleted)))
	require.NoError(t, store.Create(ctx, sampleJob("good", created.Add(time.Minute), StatusCompleted)))

	putter := newFakePutter()
	putter.fail["2026/03/07/bad.json"] = true
	log, hook := test.NewNullLogger()
	s := NewSweeper(store, NewS3Archiver(putter, "reports", ""), 24*time.Hour, log)
	s.now = func() time.Time { return now }

	res, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Archived: 1, Deleted: 1}, res)

	_, err = store.Get(ctx, "bad")
	assert.NoError(t, err)
	var warned bool
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel && e.Data["job_id"] == "bad" {
			warned = true
		}
	}
	assert.True(t, warned)
}

func TestSweeper_WithoutArchiver(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryJobStore()
	now := time.Now()
	require.NoError(t, store.Create(ctx, sampleJob("old", now.Add(-30*24*time.Hour), StatusCancelled)))

	s := NewSweeper(store, nil, 7*24*time.Hour, nil)
	res, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Deleted: 1}, res)
}
