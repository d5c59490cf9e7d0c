// Package webui serves built disk images over HTTP, for UEFI HTTP boot and
// for downloading, and builds new images from uploaded zip archives.
package webui

import (
	"archive/zip"
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/jgarman/uefi-imager/internal/config"
	"github.com/jgarman/uefi-imager/internal/diskimage"
	"github.com/jgarman/uefi-imager/internal/diskmanager"
	"github.com/jgarman/uefi-imager/internal/imager"
	"github.com/jgarman/uefi-imager/internal/manifest"
)

const (
	// MaxUploadSize bounds the zip archives accepted by UploadHandler.
	MaxUploadSize = 512 * 1024 * 1024
	// MaxExtractedSize bounds the total uncompressed size of an upload.
	MaxExtractedSize = 2 * MaxUploadSize
)

// ErrArchiveTooLarge is returned when an archive expands beyond
// MaxExtractedSize.
var ErrArchiveTooLarge = errors.New("archive expands beyond the size limit")

var imageName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*\.img$`)

// ImageInfo is one entry of the image listing.
type ImageInfo struct {
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
	URL      string    `json:"url"`
}

// Handler manages HTTP requests for the image server
type Handler struct {
	dir       string
	opts      imager.Options
	log       logrus.FieldLogger
	templates *template.Template

	// one build at a time
	buildMu sync.Mutex
}

// New creates a handler serving the images in dir. opts configures the
// builds started by uploads.
func New(dir string, opts imager.Options, log logrus.FieldLogger) (*Handler, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("image directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("image directory %s is not a directory", dir)
	}

	tmpl, err := template.New("index").Funcs(template.FuncMap{"bytes": formatBytes}).Parse(indexTemplate)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template: %w", err)
	}

	opts.Logger = log
	return &Handler{dir: dir, opts: opts, log: log, templates: tmpl}, nil
}

// Router wires the handler's routes behind the CORS policy.
func (h *Handler) Router(c config.CORSConfig) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/", h.IndexHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/health", h.HealthHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/images", h.ListHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/images/{name}", h.InspectHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/images/{name}", h.UploadHandler).Methods(http.MethodPost)
	r.HandleFunc("/images/{name}", h.ImageHandler).Methods(http.MethodGet, http.MethodHead)

	return cors.New(cors.Options{
		AllowedOrigins: c.AllowedOrigins,
		AllowedMethods: c.AllowedMethods,
		AllowedHeaders: c.AllowedHeaders,
	}).Handler(r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}

// imagePath validates the {name} route variable.
func (h *Handler) imagePath(r *http.Request) (string, string, bool) {
	name := mux.Vars(r)["name"]
	if !imageName.MatchString(name) {
		return name, "", false
	}
	return name, filepath.Join(h.dir, name), true
}

func (h *Handler) images() ([]ImageInfo, error) {
	entries, err := os.ReadDir(h.dir)
	if err != nil {
		return nil, err
	}
	out := []ImageInfo{}
	for _, e := range entries {
		if e.IsDir() || !imageName.MatchString(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, ImageInfo{
			Name:     e.Name(),
			Size:     info.Size(),
			Modified: info.ModTime().UTC(),
			URL:      "/images/" + e.Name(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// IndexHandler serves the image listing page
func (h *Handler) IndexHandler(w http.ResponseWriter, r *http.Request) {
	images, err := h.images()
	if err != nil {
		h.log.WithError(err).Error("Listing images")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	var buf bytes.Buffer
	if err := h.templates.ExecuteTemplate(&buf, "index", images); err != nil {
		h.log.WithError(err).Error("Rendering template")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = buf.WriteTo(w)
}

// HealthHandler provides a health check endpoint
func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ListHandler returns the images as JSON.
func (h *Handler) ListHandler(w http.ResponseWriter, r *http.Request) {
	images, err := h.images()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, images)
}

// InspectHandler reports the partitioning and files of one image.
func (h *Handler) InspectHandler(w http.ResponseWriter, r *http.Request) {
	name, p, ok := h.imagePath(r)
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid image name %q", name))
		return
	}
	report, err := diskimage.Inspect(p, true)
	switch {
	case errors.Is(err, os.ErrNotExist):
		writeError(w, http.StatusNotFound, fmt.Sprintf("no image %q", name))
		return
	case err != nil:
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	report.Path = name
	writeJSON(w, http.StatusOK, report)
}

// ImageHandler streams an image, honouring Range requests so firmware can
// fetch it in pieces.
func (h *Handler) ImageHandler(w http.ResponseWriter, r *http.Request) {
	name, p, ok := h.imagePath(r)
	if !ok {
		http.Error(w, "invalid image name", http.StatusBadRequest)
		return
	}
	f, err := os.Open(p)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.log.WithFields(logrus.Fields{"image": name, "remote": r.RemoteAddr, "range": r.Header.Get("Range")}).Debug("Serving image")
	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeContent(w, r, name, info.ModTime(), f)
}

// UploadHandler builds the image {name} from a zip archive posted as the
// "file" form field. The archive's tree becomes the root of the EFI System
// Partition. An existing image of the same name is replaced once the new
// one is complete.
func (h *Handler) UploadHandler(w http.ResponseWriter, r *http.Request) {
	name, dest, ok := h.imagePath(r)
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid image name %q", name))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadSize)

	reader, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid multipart request")
		return
	}

	var fsys afero.Fs
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, "Error reading upload")
			return
		}
		if part.FormName() != "file" {
			part.Close()
			continue
		}
		if !isZipFile(part.FileName()) {
			part.Close()
			writeError(w, http.StatusBadRequest, "upload must be a .zip archive")
			return
		}

		// Use a large buffer (1MB) for better performance
		fsys, err = extractZipStream(bufio.NewReaderSize(part, 1024*1024), MaxUploadSize, MaxExtractedSize, h.log)
		part.Close()
		if err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, ErrArchiveTooLarge) {
				status = http.StatusRequestEntityTooLarge
			}
			writeError(w, status, fmt.Sprintf("Failed to extract zip file: %v", err))
			return
		}
		break
	}
	if fsys == nil {
		writeError(w, http.StatusBadRequest, "No file provided")
		return
	}

	res, skipped, err := h.build(fsys, dest)
	if err != nil {
		h.log.WithError(err).WithField("image", name).Error("Build failed")
		writeError(w, statusFor(err), err.Error())
		return
	}

	h.log.WithFields(logrus.Fields{"image": name, "files": res.Volume.Files}).Info("Image built from upload")
	writeJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"name":    name,
		"size":    res.Layout.DiskSize,
		"files":   res.Volume.Files,
		"skipped": len(skipped),
		"url":     "/images/" + name,
	})
}

// build runs the pipeline into a temporary file next to dest and renames it
// into place.
func (h *Handler) build(fsys afero.Fs, dest string) (*imager.Result, []manifest.Skip, error) {
	h.buildMu.Lock()
	defer h.buildMu.Unlock()

	tmp := dest + ".partial"
	defer os.Remove(tmp)

	m := config.Default()
	m.Output = tmp
	m.Folders = []config.FolderMapping{{Source: "/", Dest: ""}}
	opts := h.opts
	opts.TempDir = h.dir
	res, skipped, err := imager.Build(fsys, m, opts)
	if err != nil {
		return nil, nil, err
	}
	if err := os.Rename(tmp, dest); err != nil {
		return nil, nil, err
	}
	res.Layout.Path = dest
	return res, skipped, nil
}

func statusFor(err error) int {
	var (
		rerr *manifest.ResolutionError
		berr *diskmanager.BuildError
	)
	switch {
	case errors.Is(err, diskmanager.ErrDiskFull):
		return http.StatusInsufficientStorage
	case errors.As(err, &rerr):
		return http.StatusBadRequest
	case errors.As(err, &berr) && errors.Is(err, diskmanager.ErrPathExists):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// isZipFile checks if a filename has a .zip extension
func isZipFile(filename string) bool {
	return strings.HasSuffix(strings.ToLower(filename), ".zip")
}

// extractZipStream unpacks a zip archive into an in-memory filesystem.
// Zip files need random access to read the central directory, so the whole
// archive is buffered first. At most maxExpanded bytes are extracted in
// total.
func extractZipStream(reader io.Reader, maxSize, maxExpanded int64, log logrus.FieldLogger) (afero.Fs, error) {
	buf := &bytes.Buffer{}
	if _, err := io.CopyN(buf, reader, maxSize); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to buffer zip file: %w", err)
	}

	zipReader, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		return nil, fmt.Errorf("failed to open zip file: %w", err)
	}

	fsys := afero.NewMemMapFs()
	var files int
	remaining := maxExpanded
	for _, zipFile := range zipReader.File {
		if zipFile.FileInfo().IsDir() {
			continue
		}

		// Sanitize the file path to prevent directory traversal
		cleanPath := path.Clean("/" + strings.ReplaceAll(zipFile.Name, `\`, "/"))
		if hasDotDot(zipFile.Name) {
			log.WithField("path", zipFile.Name).Warn("Skipping potentially malicious path in zip")
			continue
		}

		if zipFile.UncompressedSize64 > uint64(remaining) {
			return nil, fmt.Errorf("%w: %s", ErrArchiveTooLarge, zipFile.Name)
		}
		n, err := copyZipEntry(fsys, cleanPath, zipFile, remaining)
		if err != nil {
			return nil, err
		}
		remaining -= n
		files++
		log.WithFields(logrus.Fields{"path": cleanPath, "size": zipFile.UncompressedSize64}).Debug("Extracted")
	}
	if files == 0 {
		return nil, fmt.Errorf("zip file contains no files")
	}
	return fsys, nil
}

func hasDotDot(name string) bool {
	for _, seg := range strings.FieldsFunc(name, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return true
		}
	}
	return false
}

// copyZipEntry extracts one file, reading at most limit bytes whatever its
// header claims, and returns the number of bytes written.
func copyZipEntry(fsys afero.Fs, p string, zf *zip.File, limit int64) (int64, error) {
	rc, err := zf.Open()
	if err != nil {
		return 0, fmt.Errorf("failed to open file %s in zip: %w", zf.Name, err)
	}
	defer rc.Close()

	if err := fsys.MkdirAll(path.Dir(p), 0o755); err != nil {
		return 0, err
	}
	f, err := fsys.Create(p)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n, err := io.Copy(f, io.LimitReader(rc, limit+1))
	if err != nil {
		return n, fmt.Errorf("failed to extract %s: %w", zf.Name, err)
	}
	if n > limit {
		return n, fmt.Errorf("%w: %s", ErrArchiveTooLarge, zf.Name)
	}
	return n, nil
}

func formatBytes(n int64) string {
	return units.BytesSize(float64(n))
}
