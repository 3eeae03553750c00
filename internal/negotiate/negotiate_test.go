package negotiate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paneflow/paneflow/internal/transport"
)

type scriptedPrompter struct {
	answers []OverwriteDecision
	folder  []FolderMergeDecision
	err     error
	calls   int
}

func (s *scriptedPrompter) AskOverwrite(ctx context.Context, c FileConflict) (OverwriteDecision, error) {
	s.calls++
	if s.err != nil {
		return OverwriteDecision{}, s.err
	}
	d := s.answers[0]
	s.answers = s.answers[1:]
	return d, nil
}

func (s *scriptedPrompter) AskFolderMerge(ctx context.Context, c FolderConflict) (FolderMergeDecision, error) {
	s.calls++
	if s.err != nil {
		return FolderMergeDecision{}, s.err
	}
	d := s.folder[0]
	s.folder = s.folder[1:]
	return d, nil
}

func existing(name string, size int64, mod time.Time) *transport.Entry {
	return &transport.Entry{Name: name, Size: size, ModTime: mod}
}

func TestResolveWithoutCollisionDoesNotPrompt(t *testing.T) {
	p := &scriptedPrompter{}
	n := New(p, p, nil)

	d, err := n.Resolve(context.Background(), FileConflict{Name: "a.txt"})
	require.NoError(t, err)
	assert.Equal(t, Overwrite, d.Action)
	assert.Zero(t, p.calls)
}

func TestResolveApplyToAllIsRemembered(t *testing.T) {
	p := &scriptedPrompter{answers: []OverwriteDecision{{Action: Skip, ApplyToAll: true}}}
	memo := &Memo{}
	n := New(p, p, memo)
	c := FileConflict{Name: "a.txt", Existing: existing("a.txt", 1, time.Now())}

	for i := 0; i < 3; i++ {
		d, err := n.Resolve(context.Background(), c)
		require.NoError(t, err)
		assert.Equal(t, Skip, d.Action)
	}
	assert.Equal(t, 1, p.calls)

	memo.Reset()
	_, ok := memo.File()
	assert.False(t, ok)
}

func TestResolveWithoutApplyToAllAsksEachTime(t *testing.T) {
	p := &scriptedPrompter{answers: []OverwriteDecision{{Action: Overwrite}, {Action: Skip}}}
	n := New(p, p, nil)
	c := FileConflict{Name: "a.txt", Existing: existing("a.txt", 1, time.Now())}

	d1, err := n.Resolve(context.Background(), c)
	require.NoError(t, err)
	d2, err := n.Resolve(context.Background(), c)
	require.NoError(t, err)

	assert.Equal(t, Overwrite, d1.Action)
	assert.Equal(t, Skip, d2.Action)
	assert.Equal(t, 2, p.calls)
}

func TestResolveRename(t *testing.T) {
	c := FileConflict{Name: "a.txt", Existing: existing("a.txt", 1, time.Now())}

	p := &scriptedPrompter{answers: []OverwriteDecision{{Action: Rename, NewName: "  "}}}
	_, err := New(p, p, nil).Resolve(context.Background(), c)
	assert.ErrorIs(t, err, ErrRenameWithoutName)

	for _, bad := range []string{"../escape.txt", "dir/b.txt", ".."} {
		p = &scriptedPrompter{answers: []OverwriteDecision{{Action: Rename, NewName: bad}}}
		_, err = New(p, p, nil).Resolve(context.Background(), c)
		assert.ErrorIs(t, err, ErrInvalidName, bad)
	}

	memo := &Memo{}
	p = &scriptedPrompter{answers: []OverwriteDecision{{Action: Rename, NewName: "b.txt", ApplyToAll: true}}}
	d, err := New(p, p, memo).Resolve(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, "b.txt", d.NewName)
	assert.False(t, d.ApplyToAll)
	_, cached := memo.File()
	assert.False(t, cached, "rename is never applied to all")
}

func TestResolvePrompterErrors(t *testing.T) {
	c := FileConflict{Name: "a.txt", Existing: existing("a.txt", 1, time.Now())}

	_, err := New(nil, nil, nil).Resolve(context.Background(), c)
	assert.ErrorIs(t, err, ErrNoPrompter)

	boom := errors.New("dialog closed")
	p := &scriptedPrompter{err: boom}
	_, err = New(p, p, nil).Resolve(context.Background(), c)
	assert.ErrorIs(t, err, boom)
}

func TestResolveFolder(t *testing.T) {
	p := &scriptedPrompter{folder: []FolderMergeDecision{{Action: ReplaceFolder, ApplyToAll: true}}}
	n := New(p, p, nil)

	d, err := n.ResolveFolder(context.Background(), FolderConflict{Name: "docs"})
	require.NoError(t, err)
	assert.Equal(t, MergeOverwrite, d.Action)
	assert.Zero(t, p.calls)

	dir := &transport.Entry{Name: "docs", IsDir: true}
	for i := 0; i < 2; i++ {
		d, err = n.ResolveFolder(context.Background(), FolderConflict{Name: "docs", Existing: dir})
		require.NoError(t, err)
		assert.Equal(t, ReplaceFolder, d.Action)
	}
	assert.Equal(t, 1, p.calls)
}

func TestMergeActionPolicy(t *testing.T) {
	tests := []struct {
		action MergeAction
		policy transport.MergePolicy
		ok     bool
	}{
		{MergeOverwrite, transport.MergeOverwrite, true},
		{MergeSkipExisting, transport.MergeSkipExisting, true},
		{ReplaceFolder, transport.Replace, true},
		{SkipFolder, transport.MergeOverwrite, false},
		{CancelFolder, transport.MergeOverwrite, false},
	}
	for _, tt := range tests {
		policy, ok := tt.action.Policy()
		assert.Equal(t, tt.ok, ok, string(tt.action))
		if ok {
			assert.Equal(t, tt.policy, policy, string(tt.action))
		}
	}
}

func TestPolicyDecider(t *testing.T) {
	now := time.Now()
	older := FileConflict{Name: "a", Size: 10, ModTime: now.Add(-time.Hour), Existing: existing("a", 20, now)}
	newer := FileConflict{Name: "a", Size: 30, ModTime: now.Add(time.Hour), Existing: existing("a", 20, now)}
	ctx := context.Background()

	tests := []struct {
		policy Policy
		c      FileConflict
		want   OverwriteAction
	}{
		{PolicyOverwrite, older, Overwrite},
		{PolicySkip, newer, Skip},
		{PolicyNewer, older, Skip},
		{PolicyNewer, newer, Overwrite},
		{PolicyLarger, older, Skip},
		{PolicyLarger, newer, Overwrite},
	}
	for _, tt := range tests {
		d, err := PolicyDecider{Policy: tt.policy}.AskOverwrite(ctx, tt.c)
		require.NoError(t, err)
		assert.Equal(t, tt.want, d.Action, "%s", tt.policy)
	}

	_, err := PolicyDecider{Policy: PolicyAsk}.AskOverwrite(ctx, older)
	assert.ErrorIs(t, err, ErrNoPrompter)

	fallback := &scriptedPrompter{answers: []OverwriteDecision{{Action: Cancel}}}
	d, err := PolicyDecider{Policy: PolicyAsk, Fallback: fallback}.AskOverwrite(ctx, older)
	require.NoError(t, err)
	assert.Equal(t, Cancel, d.Action)

	fd, err := PolicyDecider{Policy: PolicyNewer}.AskFolderMerge(ctx, FolderConflict{Name: "d"})
	require.NoError(t, err)
	assert.Equal(t, MergeSkipExisting, fd.Action)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy(" Newer ")
	require.NoError(t, err)
	assert.Equal(t, PolicyNewer, p)

	p, err = ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyAsk, p)

	_, err = ParsePolicy("sometimes")
	assert.Error(t, err)
}
