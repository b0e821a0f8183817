package api

import (
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"filecenter/internal/repository"
	"filecenter/internal/service"
)

// multipartOverhead 是 multipart 边界与头部允许占用的额外字节。
const multipartOverhead int64 = 1 << 20

// FileHandler 提供文件存取相关的 HTTP 端点，对外只暴露 id 令牌。
type FileHandler struct {
	center        *service.FileCenter
	maxUploadSize int64
	logger        *slog.Logger
}

func NewFileHandler(center *service.FileCenter, maxUploadSize int64, logger *slog.Logger) *FileHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileHandler{
		center:        center,
		maxUploadSize: maxUploadSize,
		logger:        logger.With("component", "api"),
	}
}

func (h *FileHandler) RegisterRoutes(r chi.Router) {
	r.Route("/files", func(r chi.Router) {
		r.Post("/", h.CreateFile)
		r.Get("/{token}", h.DownloadFile)
		r.Get("/{token}/exists", h.FileExists)
		r.Delete("/{token}", h.DeleteFile)
	})
}

// CreateFile 接受 multipart/form-data 的 file 字段或原始请求体，以流的方式写入。
// ?temporary=true 时存为只能读取一次的临时文件。
func (h *FileHandler) CreateFile(w http.ResponseWriter, r *http.Request) {
	if r.Body == nil || r.Body == http.NoBody {
		writeError(w, http.StatusBadRequest, "request body is empty")
		return
	}

	temporary, err := parseBoolQuery(r, "temporary")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid temporary flag")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize+multipartOverhead)
	defer r.Body.Close()

	body, name, mimeType, err := h.openUpload(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if override := strings.TrimSpace(r.URL.Query().Get("name")); override != "" {
		name = override
	}

	limited := newLimitedReader(body, h.maxUploadSize)

	put := h.center.PutByReader
	if temporary {
		put = h.center.PutByReaderTemporarily
	}
	id, err := put(r.Context(), limited, name, mimeType)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, envelope{Data: map[string]any{"id": h.center.EncodeID(id)}})
}

// openUpload 返回上传内容、文件名与 MIME 类型。multipart 请求只读取到 file 字段为止。
func (h *FileHandler) openUpload(r *http.Request) (io.Reader, string, string, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		return r.Body, "", uploadMimeType(r.Header.Get("Content-Type")), nil
	}

	reader, err := r.MultipartReader()
	if err != nil {
		return nil, "", "", errors.New("invalid multipart form")
	}
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			return nil, "", "", errors.New("file field is required")
		}
		if err != nil {
			return nil, "", "", errors.New("invalid multipart form")
		}
		if part.FormName() == "file" {
			return part, part.FileName(), uploadMimeType(part.Header.Get("Content-Type")), nil
		}
		part.Close()
	}
}

// uploadMimeType 把通用的二进制类型视为未指定，交由引擎按扩展名推断。
func uploadMimeType(value string) string {
	mediaType, _, err := mime.ParseMediaType(value)
	if err != nil || mediaType == "application/octet-stream" {
		return ""
	}
	return value
}

// DownloadFile 以流的方式返回文件内容。
func (h *FileHandler) DownloadFile(w http.ResponseWriter, r *http.Request) {
	id, ok := h.decodeToken(w, r)
	if !ok {
		return
	}

	item, err := h.center.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	content := item.Reader()
	defer content.Close()

	w.Header().Set("Content-Type", item.MimeType)
	w.Header().Set("Content-Length", strconv.FormatInt(item.Size, 10))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": item.Name}))
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, content); err != nil {
		// 响应头已经发出，只能记录并中断连接
		h.logger.Warn("stream file failed", "id", id.Hex(), "error", err)
	}
}

// FileExists 只检查文件是否存在，不消费临时文件。
func (h *FileHandler) FileExists(w http.ResponseWriter, r *http.Request) {
	id, ok := h.decodeToken(w, r)
	if !ok {
		return
	}

	exists, err := h.center.CheckExists(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Data: map[string]any{"exists": exists}})
}

// DeleteFile 释放一个引用。
func (h *FileHandler) DeleteFile(w http.ResponseWriter, r *http.Request) {
	id, ok := h.decodeToken(w, r)
	if !ok {
		return
	}

	size, err := h.center.Delete(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Data: map[string]any{"id": chi.URLParam(r, "token"), "size": size}})
}

func (h *FileHandler) decodeToken(w http.ResponseWriter, r *http.Request) (repository.ID, bool) {
	token := chi.URLParam(r, "token")
	if token == "" {
		writeError(w, http.StatusBadRequest, "file id is required")
		return repository.ID{}, false
	}
	id, err := h.center.DecodeID(token)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return repository.ID{}, false
	}
	return id, true
}

func parseBoolQuery(r *http.Request, key string) (bool, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return false, nil
	}
	return strconv.ParseBool(raw)
}

// limitedReader 在内容超过上限时返回 *http.MaxBytesError，而不是静默截断。
type limitedReader struct {
	r     io.Reader
	n     int64
	limit int64
}

func newLimitedReader(r io.Reader, limit int64) *limitedReader {
	return &limitedReader{r: r, n: limit, limit: limit}
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.n < 0 {
		return 0, &http.MaxBytesError{Limit: l.limit}
	}
	// 多读一个字节才能区分恰好等于上限与超出上限。
	if int64(len(p)) > l.n+1 {
		p = p[:l.n+1]
	}
	n, err := l.r.Read(p)
	if int64(n) > l.n {
		n = int(l.n)
		l.n = -1
		return n, &http.MaxBytesError{Limit: l.limit}
	}
	l.n -= int64(n)
	return n, err
}
