package retrieval

import "sync"

// fence serialises index writes per document and lets the most recently
// started operation on a document win. Every ingest or delete takes a
// ticket when it starts; before and between its write stages it checks
// that no later ticket has been issued for the same document.
type fence struct {
	mu   sync.Mutex
	seq  uint64
	docs map[string]*docFence
}

type docFence struct {
	latest uint64
	refs   int
	write  sync.Mutex
}

func newFence() *fence {
	return &fence{docs: make(map[string]*docFence)}
}

func fenceKey(engagementID, documentID string) string {
	return engagementID + "\x00" + documentID
}

// begin issues a ticket for key. Every begin must be paired with end.
func (f *fence) begin(key string) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	d, ok := f.docs[key]
	if !ok {
		d = &docFence{}
		f.docs[key] = d
	}
	d.latest = f.seq
	d.refs++
	return f.seq
}

// current reports whether ticket is still the latest for key.
func (f *fence) current(key string, ticket uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.docs[key]
	return ok && d.latest == ticket
}

// lock acquires the write section of key and returns its release.
func (f *fence) lock(key string) func() {
	f.mu.Lock()
	d := f.docs[key]
	f.mu.Unlock()
	d.write.Lock()
	return d.write.Unlock
}

// end releases a ticket. The per-document state is dropped once no
// operation holds a ticket for it.
func (f *fence) end(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.docs[key]
	if !ok {
		return
	}
	d.refs--
	if d.refs == 0 {
		delete(f.docs, key)
	}
}
