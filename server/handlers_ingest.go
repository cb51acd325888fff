package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/subtalk/talklog/backend/blob"
	"github.com/subtalk/talklog/backend/store"
	"github.com/subtalk/talklog/backend/telemetry"
)

const (
	maxContentBytes = 64 * 1024
	maxUploadBytes  = 16 << 20
)

type ingestRequest struct {
	Text   string `json:"text"`
	Sender string `json:"sender"`
	Room   string `json:"room"`
}

func validateFields(f store.Fields) error {
	if len(f.Content) > maxContentBytes {
		return errors.New("content too large")
	}
	if !utf8.ValidString(f.Content) || !utf8.ValidString(f.Sender) || !utf8.ValidString(f.Room) {
		return errors.New("fields must be valid UTF-8")
	}
	return nil
}

func validateIngest(f store.Fields) error {
	if strings.TrimSpace(f.Content) == "" && f.ImageURL == "" {
		return errors.New("content is required")
	}
	return validateFields(f)
}

// HandleIngest accepts a new message, as JSON or as a multipart form with an
// optional image attachment. The attachment is all-or-nothing: if the upload
// fails no row is written.
func (h *Handlers) HandleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var ierr error
	telemetry.TimeFunc(telemetry.IngestDuration, func() {
		ierr = h.ingest(w, r)
	})
	if ierr != nil {
		telemetry.IncCounter(telemetry.IngestRejected)
	}
}

func (h *Handlers) ingest(w http.ResponseWriter, r *http.Request) error {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	var fields store.Fields
	switch {
	case strings.HasPrefix(mediaType, "multipart/"):
		f, err := h.parseMultipart(r)
		if err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, blob.ErrUploadFailed) {
				status = http.StatusInternalServerError
			}
			writeError(w, status, err.Error())
			return err
		}
		fields = f
	default:
		var req ingestRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxUploadBytes)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return err
		}
		fields = store.Fields{Content: req.Text, Sender: req.Sender, Room: req.Room}
	}

	if err := validateIngest(fields); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return err
	}

	msg, err := h.store.Insert(r.Context(), fields)
	if err != nil {
		slog.Error("ingest insert failed", slog.Any("err", err))
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
		return err
	}

	telemetry.IncCounter(telemetry.MessagesIngested)
	writeJSON(w, http.StatusCreated, msg)
	return nil
}

// parseMultipart reads content/sender/room form values and, when an image
// part is present, uploads it before any row exists to reference it.
func (h *Handlers) parseMultipart(r *http.Request) (store.Fields, error) {
	r.Body = http.MaxBytesReader(nil, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return store.Fields{}, errors.New("invalid multipart body")
	}

	fields := store.Fields{
		Content: r.FormValue("content"),
		Sender:  r.FormValue("sender"),
		Room:    r.FormValue("room"),
	}
	if fields.Content == "" {
		fields.Content = r.FormValue("text")
	}

	// Reject bad text fields before touching the blob store so a failed
	// request never leaves an orphaned attachment on disk.
	if err := validateFields(fields); err != nil {
		return store.Fields{}, err
	}

	file, header, err := r.FormFile("image")
	if err == http.ErrMissingFile {
		return fields, nil
	}
	if err != nil {
		return store.Fields{}, errors.New("invalid image part")
	}
	defer file.Close()

	url, err := h.blobs.Upload(r.Context(), header.Filename, file)
	if err != nil {
		slog.Error("attachment upload failed",
			slog.String("filename", header.Filename), slog.Any("err", err))
		return store.Fields{}, blob.ErrUploadFailed
	}
	fields.ImageURL = url
	return fields, nil
}
