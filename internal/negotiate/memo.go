package negotiate

import "sync"

// Memo caches apply-to-all answers for the lifetime of one batch.
type Memo struct {
	mu     sync.Mutex
	file   *OverwriteDecision
	folder *FolderMergeDecision
}

func (m *Memo) File() (OverwriteDecision, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return OverwriteDecision{}, false
	}
	return *m.file, true
}

func (m *Memo) SetFile(d OverwriteDecision) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.file = &d
}

func (m *Memo) Folder() (FolderMergeDecision, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.folder == nil {
		return FolderMergeDecision{}, false
	}
	return *m.folder, true
}

func (m *Memo) SetFolder(d FolderMergeDecision) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.folder = &d
}

// Reset forgets both answers.
func (m *Memo) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.file = nil
	m.folder = nil
}
