package service

import (
	"sync"

	"filecenter/internal/repository"
)

// uploads 记录本进程内正在写入分块的文件标识，垃圾回收会跳过它们。
type uploads struct {
	mu     sync.Mutex
	active map[repository.ID]int
}

func newUploads() *uploads {
	return &uploads{active: make(map[repository.ID]int)}
}

func (u *uploads) begin(id repository.ID) {
	u.mu.Lock()
	u.active[id]++
	u.mu.Unlock()
}

func (u *uploads) end(id repository.ID) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.active[id] <= 1 {
		delete(u.active, id)
		return
	}
	u.active[id]--
}

func (u *uploads) snapshot() map[repository.ID]struct{} {
	u.mu.Lock()
	defer u.mu.Unlock()

	set := make(map[repository.ID]struct{}, len(u.active))
	for id := range u.active {
		set[id] = struct{}{}
	}
	return set
}

// trackUpload 分配一个文件标识并登记为写入中。返回的函数在写入结束时调用。
func (fc *FileCenter) trackUpload() (repository.ID, func()) {
	id := repository.NewID()
	fc.uploads.begin(id)
	return id, func() { fc.uploads.end(id) }
}
