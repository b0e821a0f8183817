package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"filecenter/internal/storage"
)

const tempSuffix = ".tmp"

// Store 将对象保存为本地目录下的文件。
type Store struct {
	BaseDir string
}

func New(baseDir string) *Store {
	return &Store{BaseDir: baseDir}
}

func (s *Store) Prepare(ctx context.Context) error {
	if s == nil || s.BaseDir == "" {
		return fmt.Errorf("local store uninitialized")
	}
	if err := os.MkdirAll(s.BaseDir, 0o755); err != nil {
		return fmt.Errorf("ensure dir: %w", err)
	}
	return nil
}

// Write 先写入同目录下的临时文件，同步后再重命名，读者不会看到半个对象。
func (s *Store) Write(ctx context.Context, key string, r io.Reader, size int64) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	targetPath, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
		return fmt.Errorf("ensure dir: %w", err)
	}

	file, err := os.CreateTemp(filepath.Dir(targetPath), "."+filepath.Base(targetPath)+"-*"+tempSuffix)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tempPath := file.Name()

	written, err := io.Copy(file, r)
	if err == nil && size >= 0 && written != size {
		err = fmt.Errorf("short write: %d of %d bytes", written, size)
	}
	if err == nil {
		err = file.Sync()
	}
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("write file: %w", err)
	}

	if err := os.Rename(tempPath, targetPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// Read 打开并返回指定 key 对应的文件内容。
func (s *Store) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	targetPath, err := s.path(key)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(targetPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", storage.ErrObjectNotFound, key)
		}
		return nil, fmt.Errorf("open file: %w", err)
	}
	return file, nil
}

// List 遍历目录，跳过尚未完成的临时文件。
func (s *Store) List(ctx context.Context, prefix string) ([]storage.ObjectInfo, error) {
	var objects []storage.ObjectInfo
	err := filepath.WalkDir(s.BaseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(d.Name(), tempSuffix) {
			return nil
		}
		rel, err := filepath.Rel(s.BaseDir, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			// 遍历期间被删除
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		objects = append(objects, storage.ObjectInfo{Key: key, Size: info.Size(), ModTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", s.BaseDir, err)
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

// Remove 删除文件，并尽量清理随之变空的目录。
func (s *Store) Remove(ctx context.Context, keys []string) error {
	dirs := make(map[string]struct{})
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		targetPath, err := s.path(key)
		if err != nil {
			return err
		}
		if err := os.Remove(targetPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", key, err)
		}
		dirs[filepath.Dir(targetPath)] = struct{}{}
	}
	for dir := range dirs {
		if dir != filepath.Clean(s.BaseDir) {
			// 目录非空时删除会失败，忽略即可。
			os.Remove(dir)
		}
	}
	return nil
}

func (s *Store) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid key %q", key)
	}
	return filepath.Join(s.BaseDir, clean), nil
}
