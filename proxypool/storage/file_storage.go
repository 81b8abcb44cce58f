package storage

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"rapidproxyscan/internal/shared/logger"
	"rapidproxyscan/proxypool/model"
)

// Storage 接口定义了导出产物的持久化行为。
// 写入对读者是原子的：读者要么看到旧文件，要么看到完整的新文件。
type Storage interface {
	WriteAtomic(name string, write func(w io.Writer) error) error
	Dir() string
}

// FileStorage 实现了 Storage 接口，先写临时文件再 rename 发布。
type FileStorage struct {
	dir string
	mu  sync.Mutex
}

// NewFileStorage 创建一个新的 FileStorage 实例。
func NewFileStorage(dir string) *FileStorage {
	return &FileStorage{
		dir: dir,
	}
}

func (fs *FileStorage) Dir() string { return fs.dir }

// WriteAtomic 把 write 写入的内容发布到 dir/name。
// 失败时返回包装了 model.ErrExportIO 的错误，目标文件保持不变。
func (fs *FileStorage) WriteAtomic(name string, write func(w io.Writer) error) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	l := logger.WithComponent("ProxyPool/Storage")

	if err := os.MkdirAll(fs.dir, 0755); err != nil {
		return fmt.Errorf("%w: create dir %s: %v", model.ErrExportIO, fs.dir, err)
	}

	target := filepath.Join(fs.dir, name)
	tmp, err := os.CreateTemp(fs.dir, "."+name+".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: create temp for %s: %v", model.ErrExportIO, name, err)
	}
	tmpName := tmp.Name()
	published := false
	defer func() {
		if !published {
			os.Remove(tmpName)
		}
	}()

	bw := bufio.NewWriter(tmp)
	if err := write(bw); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: write %s: %v", model.ErrExportIO, name, err)
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: flush %s: %v", model.ErrExportIO, name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: sync %s: %v", model.ErrExportIO, name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %v", model.ErrExportIO, name, err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		return fmt.Errorf("%w: chmod %s: %v", model.ErrExportIO, name, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return fmt.Errorf("%w: publish %s: %v", model.ErrExportIO, name, err)
	}
	published = true

	l.Debug().Str("path", target).Msg("Published export file.")
	return nil
}
