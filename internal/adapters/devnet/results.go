package devnet

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"

	"marketrun/internal/market"
)

// ManifestName 与 OutputKey 描述结果归档中的确定性输出清单。
const (
	ManifestName = "computed.json"
	OutputKey    = "deterministic-output-path"
	outputFile   = "result.txt"
)

// DefaultResult 生成包含 result.txt 与 computed.json 的归档，
// 清单以 enclave 内的绝对路径指向 result.txt。
func DefaultResult(taskID market.Hash, deal market.Deal, request market.Order) ([]byte, error) {
	manifest, err := json.Marshal(map[string]string{OutputKey: "/iexec_out/" + outputFile})
	if err != nil {
		return nil, err
	}
	output := fmt.Sprintf("task %s\ndeal %s\nparams %s\n", taskID, deal.ID, request.Params)
	return BuildArchive(map[string][]byte{
		ManifestName: manifest,
		outputFile:   []byte(output),
	})
}

// BuildArchive 将文件表写成 zip。以 "/" 结尾的键写为目录条目。
func BuildArchive(files map[string][]byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		hdr := &zip.FileHeader{Name: name, Method: zip.Deflate, Modified: time.Unix(0, 0).UTC()}
		if strings.HasSuffix(name, "/") {
			hdr.Method = zip.Store
			hdr.SetMode(0o755 | fs.ModeDir)
		} else {
			hdr.SetMode(0o644)
		}
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return nil, fmt.Errorf("zip entry %s: %w", name, err)
		}
		if _, err := w.Write(files[name]); err != nil {
			return nil, fmt.Errorf("zip write %s: %w", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("zip close: %w", err)
	}
	return buf.Bytes(), nil
}
