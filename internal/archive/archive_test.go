package archive

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ninaivalaigal/api/internal/store"
)

type fakeSource struct {
	memories  []store.Memory
	approvals map[string][]store.Approval
	gotAdmin  bool
	err       error
}

func (f *fakeSource) ListVisibleMemories(_ context.Context, _ string, isAdmin bool) ([]store.Memory, error) {
	f.gotAdmin = isAdmin
	return f.memories, f.err
}

func (f *fakeSource) ListApprovals(_ context.Context, memoryID string) ([]store.Approval, error) {
	return f.approvals[memoryID], nil
}

type memoryUploader struct {
	objects map[string][]byte
	types   map[string]string
	err     error
}

func (m *memoryUploader) Put(_ context.Context, key string, body []byte, contentType string) error {
	if m.err != nil {
		return m.err
	}
	if m.objects == nil {
		m.objects, m.types = map[string][]byte{}, map[string]string{}
	}
	m.objects[key] = body
	m.types[key] = contentType
	return nil
}

func TestExportUploadsBundle(t *testing.T) {
	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	src := &fakeSource{
		memories: []store.Memory{
			{ID: "mem_1", OwnerID: "usr_1", Content: "deploy notes", ApprovalStatus: store.StatusApproved, Tags: []string{"ops"}},
			{ID: "mem_2", OwnerID: "usr_1", Content: "draft", ApprovalStatus: store.StatusDraft},
		},
		approvals: map[string][]store.Approval{
			"mem_1": {
				{MemoryID: "mem_1", FromStatus: store.StatusDraft, Status: store.StatusSubmitted, ActorID: "usr_1"},
				{MemoryID: "mem_1", FromStatus: store.StatusSubmitted, Status: store.StatusApproved, ActorID: "usr_2", Comment: "ok"},
			},
		},
	}
	up := &memoryUploader{}
	exp := NewExporter(src, up)
	exp.now = func() time.Time { return at }

	key, bundle, err := exp.Export(context.Background(), store.User{ID: "usr_1", DisplayName: "Avery", Role: "user"})
	require.NoError(t, err)
	assert.Equal(t, "exports/usr_1/20260304T050607Z.json", key)
	assert.False(t, src.gotAdmin)
	assert.Len(t, bundle.Memories, 2)
	assert.Len(t, bundle.Approvals, 2)
	assert.Equal(t, "application/json", up.types[key])

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(up.objects[key], &decoded))
	for _, field := range []string{"exportedAt", "user", "memories", "approvals"} {
		assert.Contains(t, decoded, field)
	}
	memories := decoded["memories"].([]any)
	assert.Equal(t, []any{}, memories[1].(map[string]any)["tags"], "missing tags encode as an empty list")
}

func TestExportAdminAndErrors(t *testing.T) {
	src := &fakeSource{}
	_, bundle, err := NewExporter(src, &memoryUploader{}).Export(context.Background(), store.User{ID: "usr_admin", Role: "admin"})
	require.NoError(t, err)
	assert.True(t, src.gotAdmin)
	assert.NotNil(t, bundle.Memories)
	assert.NotNil(t, bundle.Approvals)

	_, _, err = NewExporter(&fakeSource{err: errors.New("db")}, &memoryUploader{}).Export(context.Background(), store.User{ID: "u"})
	assert.ErrorContains(t, err, "load memories")

	_, _, err = NewExporter(&fakeSource{}, &memoryUploader{err: errors.New("s3 down")}).Export(context.Background(), store.User{ID: "u"})
	assert.ErrorContains(t, err, "upload bundle")
}
