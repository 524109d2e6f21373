// Package result 下载任务结果归档并解包到本地目录，定位清单中声明的确定性输出。
package result

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"

	"marketrun/internal/logging"
	"marketrun/internal/market"
)

const (
	// ManifestName 是归档根目录下的清单文件。
	ManifestName = "computed.json"
	// OutputKey 是清单中唯一必需的键。
	OutputKey = "deterministic-output-path"
	// EnclaveOutputDir 是 enclave 内的输出根目录，清单中的绝对路径相对它解析。
	EnclaveOutputDir = "/iexec_out"

	maxExtractBytes = 1 << 30
)

// StateReader 用于在下载前确认任务已完成。
type StateReader interface {
	TaskStatus(ctx context.Context, taskID market.Hash) (market.TaskStatus, error)
}

// Fetcher 按任务 ID 拉取结果归档。
type Fetcher interface {
	FetchArchive(ctx context.Context, taskID market.Hash) ([]byte, error)
}

// ManifestEntry 是确定性输出在解包目录中的位置。
type ManifestEntry struct {
	Path     string `json:"path"`
	Relative string `json:"relative"`
	IsDir    bool   `json:"isDir"`
}

// Retriever 组合状态检查与归档下载。
type Retriever struct {
	state StateReader
	store Fetcher
	log   logging.Logger
}

// New 构造结果获取器。
func New(state StateReader, store Fetcher, log logging.Logger) (*Retriever, error) {
	if state == nil || store == nil {
		return nil, errors.New("task state reader and result fetcher required")
	}
	return &Retriever{state: state, store: store, log: logging.Default(log)}, nil
}

// FetchResult 仅在任务 COMPLETED 时下载归档，否则返回 *market.NotReadyError。
func (r *Retriever) FetchResult(ctx context.Context, taskID market.Hash) ([]byte, error) {
	st, err := r.state.TaskStatus(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("check task %s: %w", taskID, err)
	}
	if st.State != market.TaskCompleted {
		return nil, &market.NotReadyError{TaskID: taskID, State: st.State}
	}
	data, err := r.store.FetchArchive(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("fetch result of %s: %w", taskID, err)
	}
	return data, nil
}

// Retrieve 下载并解包结果。
func (r *Retriever) Retrieve(ctx context.Context, taskID market.Hash, destDir string) (ManifestEntry, error) {
	data, err := r.FetchResult(ctx, taskID)
	if err != nil {
		return ManifestEntry{}, err
	}
	entry, err := Extract(data, destDir)
	if err != nil {
		return ManifestEntry{}, err
	}
	r.log.Infof("result of task %s extracted to %s, deterministic output %s", taskID, destDir, entry.Relative)
	return entry, nil
}

// Extract 将归档解包到 destDir 并解析清单。文件以截断方式覆盖写入，
// 对同一归档重复解包得到相同的目录树。越出 destDir 的条目会被拒绝。
func Extract(archive []byte, destDir string) (ManifestEntry, error) {
	root, err := filepath.Abs(destDir)
	if err != nil {
		return ManifestEntry{}, fmt.Errorf("resolve %s: %w", destDir, err)
	}
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return ManifestEntry{}, fmt.Errorf("open result archive: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return ManifestEntry{}, fmt.Errorf("create %s: %w", root, err)
	}

	budget := int64(maxExtractBytes)
	for _, f := range zr.File {
		n, err := extractFile(root, f, budget)
		if err != nil {
			return ManifestEntry{}, err
		}
		budget -= n
	}
	return readManifest(root)
}

func extractFile(root string, f *zip.File, budget int64) (int64, error) {
	name := strings.TrimSuffix(f.Name, "/")
	if name == "" {
		return 0, nil
	}
	if !filepath.IsLocal(filepath.FromSlash(name)) {
		return 0, fmt.Errorf("archive entry %q escapes destination", f.Name)
	}
	target := filepath.Join(root, filepath.FromSlash(name))
	mode := f.Mode()

	switch {
	case mode&fs.ModeSymlink != 0:
		return 0, fmt.Errorf("archive entry %q is a symlink", f.Name)
	case mode.IsDir() || strings.HasSuffix(f.Name, "/"):
		if err := os.MkdirAll(target, 0o755); err != nil {
			return 0, fmt.Errorf("create %s: %w", target, err)
		}
		return 0, nil
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, fmt.Errorf("create %s: %w", filepath.Dir(target), err)
	}
	src, err := f.Open()
	if err != nil {
		return 0, fmt.Errorf("open entry %s: %w", f.Name, err)
	}
	defer src.Close()

	perm := mode.Perm()
	if perm == 0 {
		perm = 0o644
	}
	dst, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", target, err)
	}
	n, err := io.Copy(dst, io.LimitReader(src, budget+1))
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("write %s: %w", target, err)
	}
	if n > budget {
		return n, fmt.Errorf("archive expands beyond %d bytes", int64(maxExtractBytes))
	}
	return n, nil
}

func readManifest(root string) (ManifestEntry, error) {
	raw, err := os.ReadFile(filepath.Join(root, ManifestName))
	if err != nil {
		return ManifestEntry{}, fmt.Errorf("%w: read %s: %v", market.ErrInvalidManifest, ManifestName, err)
	}
	var manifest map[string]any
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return ManifestEntry{}, fmt.Errorf("%w: parse %s: %v", market.ErrInvalidManifest, ManifestName, err)
	}
	value, ok := manifest[OutputKey]
	if !ok {
		return ManifestEntry{}, fmt.Errorf("%w: %s has no %q", market.ErrInvalidManifest, ManifestName, OutputKey)
	}
	declared, ok := value.(string)
	if !ok || strings.TrimSpace(declared) == "" {
		return ManifestEntry{}, fmt.Errorf("%w: %q must be a non-empty string, got %v", market.ErrInvalidManifest, OutputKey, value)
	}

	rel, err := outputPath(declared)
	if err != nil {
		return ManifestEntry{}, err
	}
	abs := filepath.Join(root, filepath.FromSlash(rel))
	info, err := os.Stat(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return ManifestEntry{}, fmt.Errorf("%w: %s", market.ErrMissingDeterministicOutput, declared)
	}
	if err != nil {
		return ManifestEntry{}, fmt.Errorf("stat %s: %w", abs, err)
	}
	return ManifestEntry{Path: abs, Relative: rel, IsDir: info.IsDir()}, nil
}

// outputPath 把清单路径映射为归档内的相对路径：/iexec_out 前缀被剥离，其余绝对路径非法。
func outputPath(declared string) (string, error) {
	p := path.Clean(strings.TrimSpace(declared))
	switch {
	case p == EnclaveOutputDir:
		p = "."
	case strings.HasPrefix(p, EnclaveOutputDir+"/"):
		p = strings.TrimPrefix(p, EnclaveOutputDir+"/")
	case path.IsAbs(p):
		return "", fmt.Errorf("%w: %q is outside %s", market.ErrInvalidManifest, declared, EnclaveOutputDir)
	}
	if !filepath.IsLocal(filepath.FromSlash(p)) {
		return "", fmt.Errorf("%w: %q escapes the result tree", market.ErrInvalidManifest, declared)
	}
	return p, nil
}
