package webui

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/docker/go-units"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jgarman/uefi-imager/internal/config"
	"github.com/jgarman/uefi-imager/internal/diskimage"
	"github.com/jgarman/uefi-imager/internal/diskmanager"
	"github.com/jgarman/uefi-imager/internal/imager"
	"github.com/jgarman/uefi-imager/internal/manifest"
)

var bootLoader = bytes.Repeat([]byte("EFI!"), 2048)

func buildImage(t *testing.T, dir, name string) {
	t.Helper()
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/boot.efi", bootLoader, 0o644))
	m := &config.Manifest{
		Output: filepath.Join(dir, name),
		Files:  []config.FileMapping{{Source: "/boot.efi", Dest: "EFI/BOOT/BOOTX64.EFI"}},
	}
	log, _ := test.NewNullLogger()
	_, _, err := imager.Build(fsys, m, imager.Options{TempDir: t.TempDir(), Logger: log})
	require.NoError(t, err)
}

func newServer(t *testing.T) (string, http.Handler) {
	t.Helper()
	dir := t.TempDir()
	buildImage(t, dir, "boot.img")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not an image"), 0o644))

	log, _ := test.NewNullLogger()
	h, err := New(dir, imager.Options{}, log)
	require.NoError(t, err)
	return dir, h.Router(config.DefaultService().Server.CORS)
}

func do(t *testing.T, srv http.Handler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func zipUpload(t *testing.T, name string, files map[string][]byte) (*bytes.Buffer, string) {
	t.Helper()
	archive := zipArchive(t, files)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = io.Copy(part, archive)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &body, mw.FormDataContentType()
}

func TestNewRejectsMissingDirectory(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "nope"), imager.Options{}, nil)
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	_, srv := newServer(t)
	rec := do(t, srv, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestListImages(t *testing.T) {
	dir, srv := newServer(t)
	info, err := os.Stat(filepath.Join(dir, "boot.img"))
	require.NoError(t, err)

	rec := do(t, srv, httptest.NewRequest(http.MethodGet, "/api/images", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var images []ImageInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &images))
	require.Len(t, images, 1)
	assert.Equal(t, "boot.img", images[0].Name)
	assert.Equal(t, info.Size(), images[0].Size)
	assert.Equal(t, "/images/boot.img", images[0].URL)
}

func TestIndexPage(t *testing.T) {
	dir, srv := newServer(t)
	info, err := os.Stat(filepath.Join(dir, "boot.img"))
	require.NoError(t, err)
	rec := do(t, srv, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), `href="/images/boot.img"`)
	assert.Contains(t, rec.Body.String(), `<td class="size">`+units.BytesSize(float64(info.Size()))+`</td>`)
	assert.NotContains(t, rec.Body.String(), "notes.txt")
}

func TestInspectImage(t *testing.T) {
	_, srv := newServer(t)
	rec := do(t, srv, httptest.NewRequest(http.MethodGet, "/api/images/boot.img", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var report diskimage.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, "boot.img", report.Path)
	require.Len(t, report.Partitions, 1)
	assert.Equal(t, diskimage.DefaultPartitionName, report.Partitions[0].Name)
	require.NotNil(t, report.Filesystem)

	var found bool
	for _, f := range report.Filesystem.Files {
		if f.Path == "EFI/BOOT/BOOTX64.EFI" {
			found = true
			assert.Equal(t, int64(len(bootLoader)), f.Size)
		}
	}
	assert.True(t, found)
}

func TestInspectErrors(t *testing.T) {
	_, srv := newServer(t)

	rec := do(t, srv, httptest.NewRequest(http.MethodGet, "/api/images/notes.txt", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv, httptest.NewRequest(http.MethodGet, "/api/images/missing.img", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInspectRejectsBrokenImage(t *testing.T) {
	dir, srv := newServer(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "junk.img"), make([]byte, 4096), 0o644))

	rec := do(t, srv, httptest.NewRequest(http.MethodGet, "/api/images/junk.img", nil))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestDownloadImage(t *testing.T) {
	dir, srv := newServer(t)
	want, err := os.ReadFile(filepath.Join(dir, "boot.img"))
	require.NoError(t, err)

	rec := do(t, srv, httptest.NewRequest(http.MethodGet, "/images/boot.img", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/octet-stream", rec.Header().Get("Content-Type"))
	assert.True(t, bytes.Equal(want, rec.Body.Bytes()))

	req := httptest.NewRequest(http.MethodGet, "/images/boot.img", nil)
	req.Header.Set("Range", "bytes=512-1023")
	rec = do(t, srv, req)
	require.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, want[512:1024], rec.Body.Bytes())
	assert.Contains(t, rec.Header().Get("Content-Range"), "bytes 512-1023/")

	rec = do(t, srv, httptest.NewRequest(http.MethodHead, "/images/boot.img", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.Bytes())

	rec = do(t, srv, httptest.NewRequest(http.MethodGet, "/images/other.img", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, srv, httptest.NewRequest(http.MethodGet, "/images/.hidden.img", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCORSHeaders(t *testing.T) {
	_, srv := newServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/images", nil)
	req.Header.Set("Origin", "http://example.com")
	rec := do(t, srv, req)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestUploadBuildsImage(t *testing.T) {
	dir, srv := newServer(t)
	body, contentType := zipUpload(t, "esp.zip", map[string][]byte{
		"EFI/BOOT/BOOTX64.EFI": bootLoader,
		"loader/loader.conf":   []byte("timeout 3\n"),
	})
	req := httptest.NewRequest(http.MethodPost, "/api/images/new.img", body)
	req.Header.Set("Content-Type", contentType)

	rec := do(t, srv, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp struct {
		Success bool   `json:"success"`
		Files   int    `json:"files"`
		URL     string `json:"url"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, 2, resp.Files)
	assert.Equal(t, "/images/new.img", resp.URL)

	report, err := diskimage.Inspect(filepath.Join(dir, "new.img"), true)
	require.NoError(t, err)
	var paths []string
	for _, f := range report.Filesystem.Files {
		if !f.IsDir {
			paths = append(paths, f.Path)
		}
	}
	assert.ElementsMatch(t, []string{"EFI/BOOT/BOOTX64.EFI", "loader/loader.conf"}, paths)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"boot.img", "new.img", "notes.txt"}, names, "no leftovers from the build")
}

func TestUploadErrors(t *testing.T) {
	_, srv := newServer(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "esp.tar")
	require.NoError(t, err)
	_, _ = part.Write([]byte("tar"))
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, "/api/images/new.img", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	assert.Equal(t, http.StatusBadRequest, do(t, srv, req).Code)

	body.Reset()
	mw = multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("other", "x"))
	require.NoError(t, mw.Close())
	req = httptest.NewRequest(http.MethodPost, "/api/images/new.img", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	assert.Equal(t, http.StatusBadRequest, do(t, srv, req).Code)

	req = httptest.NewRequest(http.MethodPost, "/api/images/new.img", bytes.NewReader([]byte("plain")))
	assert.Equal(t, http.StatusBadRequest, do(t, srv, req).Code)

	zipBody, contentType := zipUpload(t, "esp.zip", map[string][]byte{"a": []byte("a")})
	req = httptest.NewRequest(http.MethodPost, "/api/images/bad%20name", zipBody)
	req.Header.Set("Content-Type", contentType)
	assert.Equal(t, http.StatusBadRequest, do(t, srv, req).Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&diskmanager.BuildError{Op: "write", Path: "a", Err: fmt.Errorf("%w: no clusters", diskmanager.ErrDiskFull)}, http.StatusInsufficientStorage},
		{&diskmanager.BuildError{Op: "mkdir", Path: "EFI", Err: diskmanager.ErrPathExists}, http.StatusConflict},
		{&manifest.ResolutionError{Source: "/x", Dest: "x", Err: os.ErrNotExist}, http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestExtractZipStreamSkipsTraversal(t *testing.T) {
	var archive bytes.Buffer
	zw := zip.NewWriter(&archive)
	for _, name := range []string{"../evil.efi", "ok/a..b.txt"} {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, _ = w.Write([]byte(name))
	}
	require.NoError(t, zw.Close())

	log, hook := test.NewNullLogger()
	fsys, err := extractZipStream(&archive, MaxUploadSize, MaxExtractedSize, log)
	require.NoError(t, err)

	ok, err := afero.Exists(fsys, "/ok/a..b.txt")
	require.NoError(t, err)
	assert.True(t, ok)
	evil, err := afero.Exists(fsys, "/evil.efi")
	require.NoError(t, err)
	assert.False(t, evil)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "../evil.efi", hook.LastEntry().Data["path"])
}

func TestExtractZipStreamRejectsEmptyArchive(t *testing.T) {
	var archive bytes.Buffer
	require.NoError(t, zip.NewWriter(&archive).Close())
	_, err := extractZipStream(&archive, MaxUploadSize, MaxExtractedSize, nil)
	assert.Error(t, err)
}

func zipArchive(t *testing.T, files map[string][]byte) *bytes.Buffer {
	t.Helper()
	var archive bytes.Buffer
	zw := zip.NewWriter(&archive)
	for p, data := range files {
		w, err := zw.Create(p)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return &archive
}

func TestExtractZipStreamLimitsExpansion(t *testing.T) {
	log, _ := test.NewNullLogger()

	// A megabyte of zeros deflates to about a kilobyte.
	bomb := zipArchive(t, map[string][]byte{"zeros.bin": make([]byte, 1<<20)})
	require.Less(t, bomb.Len(), 16*1024)
	_, err := extractZipStream(bomb, MaxUploadSize, 64*1024, log)
	assert.ErrorIs(t, err, ErrArchiveTooLarge)

	// The limit covers the archive as a whole, not each entry.
	many := zipArchive(t, map[string][]byte{
		"a.bin": make([]byte, 40*1024),
		"b.bin": make([]byte, 40*1024),
	})
	_, err = extractZipStream(many, MaxUploadSize, 64*1024, log)
	assert.ErrorIs(t, err, ErrArchiveTooLarge)

	fits := zipArchive(t, map[string][]byte{"a.bin": make([]byte, 40*1024)})
	fsys, err := extractZipStream(fits, MaxUploadSize, 64*1024, log)
	require.NoError(t, err)
	info, err := fsys.Stat("/a.bin")
	require.NoError(t, err)
	assert.EqualValues(t, 40*1024, info.Size())
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512B", formatBytes(512))
	assert.Equal(t, "1.5KiB", formatBytes(1536))
	assert.Equal(t, "3MiB", formatBytes(3<<20))
}
