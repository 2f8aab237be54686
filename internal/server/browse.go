package server

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/raphaelgruber/structcap/internal/caption"
	"github.com/raphaelgruber/structcap/internal/models"
)

// maxPreviewImages caps how many views GET /api/images returns.
const maxPreviewImages = 10

// maxThumbSize bounds the ?thumb= parameter.
const maxThumbSize = 2048

func (s *Server) parentDir(r *http.Request) string {
	if dir := r.URL.Query().Get("parent_dir"); dir != "" {
		return dir
	}
	return s.cfg.ParentDir
}

func (s *Server) handleFolders(w http.ResponseWriter, r *http.Request) {
	items, err := caption.Discover(s.cfg.ImagesDir(s.parentDir(r)))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if items == nil {
		items = []models.Item{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) lookupItem(w http.ResponseWriter, r *http.Request) (models.Item, bool) {
	item, err := caption.LookupItem(s.cfg.ImagesDir(s.parentDir(r)), r.PathValue("uid"))
	if errors.Is(err, caption.ErrDirNotExist) {
		writeError(w, http.StatusNotFound, "Folder not found")
		return item, false
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return item, false
	}
	return item, true
}

func (s *Server) handleImages(w http.ResponseWriter, r *http.Request) {
	item, ok := s.lookupItem(w, r)
	if !ok {
		return
	}

	thumb := 0
	if v := r.URL.Query().Get("thumb"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxThumbSize {
			writeError(w, http.StatusBadRequest, "thumb must be between 1 and "+strconv.Itoa(maxThumbSize))
			return
		}
		thumb = n
	}

	images := []models.ImageData{}
	for _, path := range caption.ListImages(item.Path, maxPreviewImages) {
		img, err := previewImage(path, thumb)
		if err != nil {
			s.logger.Warn("failed to read preview image", "path", path, "error", err)
			continue
		}
		images = append(images, img)
	}
	writeJSON(w, http.StatusOK, images)
}

// previewImage returns the file as a data URL, downscaled to fit size x size when size > 0.
func previewImage(path string, size int) (models.ImageData, error) {
	name := filepath.Base(path)
	if size == 0 {
		data, err := os.ReadFile(path)
		if err != nil {
			return models.ImageData{}, err
		}
		return models.ImageData{Name: name, Data: dataURL(imageMediaType(path), data)}, nil
	}

	img, err := imaging.Open(path)
	if err != nil {
		return models.ImageData{}, err
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, imaging.Fit(img, size, size, imaging.Lanczos), imaging.PNG); err != nil {
		return models.ImageData{}, err
	}
	return models.ImageData{Name: name, Data: dataURL("image/png", buf.Bytes())}, nil
}

func dataURL(mediaType string, data []byte) string {
	return "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

func imageMediaType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	default:
		return "image/png"
	}
}

func (s *Server) handleOutput(w http.ResponseWriter, r *http.Request) {
	item, ok := s.lookupItem(w, r)
	if !ok {
		return
	}

	data, err := os.ReadFile(filepath.Join(item.Path, models.OutputFileName))
	if errors.Is(err, os.ErrNotExist) {
		writeError(w, http.StatusNotFound, "Output not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !json.Valid(data) {
		writeError(w, http.StatusBadRequest, "output is not valid JSON")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

// templateFiles lists the template files in dir: JSON or YAML files with "template" in their name.
func templateFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := []string{}
	for _, e := range entries {
		if e.IsDir() || !isTemplateName(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func isTemplateName(name string) bool {
	lower := strings.ToLower(name)
	if !strings.Contains(lower, "template") {
		return false
	}
	switch filepath.Ext(lower) {
	case ".json", ".yaml", ".yml":
		return true
	default:
		return false
	}
}

func (s *Server) handleTemplates(w http.ResponseWriter, r *http.Request) {
	names, err := templateFiles(s.cfg.TemplateDir())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, names)
}

func (s *Server) handleTemplate(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name != filepath.Base(name) || !isTemplateName(name) {
		writeError(w, http.StatusBadRequest, "invalid template name")
		return
	}

	tmpl, err := models.LoadTemplate("", filepath.Join(s.cfg.TemplateDir(), name))
	if errors.Is(err, os.ErrNotExist) {
		writeError(w, http.StatusNotFound, "template not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(tmpl)
}
