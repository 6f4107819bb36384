package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"

	errordefs "github.com/team4edu/edu-backend-go/internal/errors"
	"github.com/team4edu/edu-backend-go/internal/identity"
	"github.com/team4edu/edu-backend-go/internal/media"
	"github.com/team4edu/edu-backend-go/internal/model"
	"github.com/team4edu/edu-backend-go/internal/schema"
	"github.com/team4edu/edu-backend-go/internal/service"
)

// Multipart file fields
const (
	fieldThumbnail = "thumbnail"
	fieldVideo     = "video"
	fieldDocuments = "documents"
)

const (
	multipartMemory = 32 << 20 // Parts beyond this spill to temporary files
	maxDocuments    = 10
)

// upload holds the files of a multipart request. Close releases them.
type upload struct {
	files   map[string][]media.Object
	closers []io.Closer
	form    *multipart.Form
}

func (u *upload) first(field string) *media.Object {
	if objs := u.files[field]; len(objs) > 0 {
		return &objs[0]
	}
	return nil
}

func (u *upload) all(field string) []media.Object { return u.files[field] }

func (u *upload) Close() {
	for _, c := range u.closers {
		_ = c.Close()
	}
	if u.form != nil {
		_ = u.form.RemoveAll()
	}
}

// decodeJSON validates the request body against the named schema and decodes
// it into dst. An empty body is treated as an empty object.
func (m *Mux) decodeJSON(r *http.Request, schemaName string, dst interface{}) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	if len(body) == 0 {
		body = []byte("{}")
	}
	return m.decodeBody(body, schemaName, dst)
}

func (m *Mux) decodeBody(body []byte, schemaName string, dst interface{}) error {
	if err := m.validator.ValidateJSON(schemaName, body); err != nil {
		return err
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return errordefs.Wrap(errordefs.EDU_BAD_REQUEST, "request body does not match the expected shape", err)
	}
	return nil
}

// decodeRequest accepts either a JSON body or a multipart form. Form values go
// through the same schema as JSON bodies; fileFields are collected as uploads.
func (m *Mux) decodeRequest(r *http.Request, schemaName string, dst interface{}, fileFields ...string) (*upload, error) {
	up := &upload{files: map[string][]media.Object{}}
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		return up, m.decodeJSON(r, schemaName, dst)
	}

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return up, err
		}
		return up, errordefs.Wrap(errordefs.EDU_BAD_REQUEST, "invalid multipart form", err)
	}
	up.form = r.MultipartForm

	fields := make(map[string]interface{}, len(r.MultipartForm.Value))
	for k, vs := range r.MultipartForm.Value {
		if len(vs) == 0 {
			continue
		}
		// Forms carry booleans as text; anything unparsable is left for the schema to reject
		if k == "isPublished" {
			if b, err := strconv.ParseBool(vs[0]); err == nil {
				fields[k] = b
				continue
			}
		}
		fields[k] = vs[0]
	}
	body, err := json.Marshal(fields)
	if err != nil {
		return up, err
	}
	if err := m.decodeBody(body, schemaName, dst); err != nil {
		return up, err
	}

	for _, field := range fileFields {
		headers := r.MultipartForm.File[field]
		if field == fieldDocuments && len(headers) > maxDocuments {
			return up, errordefs.New(errordefs.EDU_VALIDATION,
				fmt.Sprintf("at most %d documents may be uploaded at once", maxDocuments), "")
		}
		for _, fh := range headers {
			f, err := fh.Open()
			if err != nil {
				return up, errordefs.Wrap(errordefs.EDU_BAD_REQUEST, "unreadable file "+fh.Filename, err)
			}
			up.closers = append(up.closers, f)
			up.files[field] = append(up.files[field], media.Object{
				Name:        fh.Filename,
				ContentType: fh.Header.Get("Content-Type"),
				Size:        fh.Size,
				Body:        f,
			})
		}
	}
	return up, nil
}

func notFound(what string) error {
	return errordefs.New(errordefs.EDU_NOT_FOUND, what+" not found", "")
}

func (m *Mux) handleCreateSeries(w http.ResponseWriter, r *http.Request) error {
	var in model.SeriesInput
	up, err := m.decodeRequest(r, schema.SeriesCreate, &in, fieldThumbnail)
	defer up.Close()
	if err != nil {
		return err
	}
	p := identity.FromContext(r.Context())
	series, err := m.svc.CreateSeries(r.Context(), in, p.UserID, p.RawToken, up.first(fieldThumbnail))
	if err != nil {
		return err
	}
	return m.writeSuccess(w, http.StatusCreated, series)
}

func (m *Mux) handleListSeries(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	filter := model.SeriesFilter{
		Category:    q.Get("category"),
		OwnerUserID: q.Get("owner"),
		Cursor:      q.Get("cursor"),
	}
	if raw := q.Get("published"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return errordefs.New(errordefs.EDU_VALIDATION, "published must be true or false", "")
		}
		filter.Published = &b
	}
	if raw := q.Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			return errordefs.New(errordefs.EDU_VALIDATION, "limit must be a positive integer", "")
		}
		filter.Limit = min(v, model.MaxPageSize)
	}

	page, err := m.svc.ListSeries(r.Context(), filter)
	if err != nil {
		return err
	}
	return m.writeSuccess(w, http.StatusOK, page)
}

func (m *Mux) handleSearchSeries(w http.ResponseWriter, r *http.Request) error {
	series, err := m.svc.SearchByTitle(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		return err
	}
	return m.writeSuccess(w, http.StatusOK, map[string]interface{}{"series": series})
}

func (m *Mux) handleSubscribedSeries(w http.ResponseWriter, r *http.Request) error {
	list, err := m.svc.ListSubscriptions(r.Context(), identity.FromContext(r.Context()).UserID)
	if err != nil {
		return err
	}
	return m.writeSuccess(w, http.StatusOK, list)
}

func (m *Mux) handleCreatedSeries(w http.ResponseWriter, r *http.Request) error {
	series, err := m.svc.ListSeriesByOwner(r.Context(), identity.FromContext(r.Context()).UserID)
	if err != nil {
		return err
	}
	return m.writeSuccess(w, http.StatusOK, map[string]interface{}{"series": series})
}

func (m *Mux) handleGetSeries(w http.ResponseWriter, r *http.Request) error {
	series, err := m.svc.GetSeries(r.Context(), r.PathValue("id"))
	if err != nil {
		return err
	}
	if series == nil {
		return notFound("series")
	}
	return m.writeSuccess(w, http.StatusOK, series)
}

func (m *Mux) handleUpdateSeries(w http.ResponseWriter, r *http.Request) error {
	var patch model.SeriesPatch
	up, err := m.decodeRequest(r, schema.SeriesPatch, &patch, fieldThumbnail)
	defer up.Close()
	if err != nil {
		return err
	}
	p := identity.FromContext(r.Context())
	series, err := m.svc.UpdateSeries(r.Context(), r.PathValue("id"), patch, p.UserID, p.RawToken, up.first(fieldThumbnail))
	if err != nil {
		return err
	}
	if series == nil {
		return notFound("series")
	}
	return m.writeSuccess(w, http.StatusOK, series)
}

func (m *Mux) handleDeleteSeries(w http.ResponseWriter, r *http.Request) error {
	res, err := m.svc.DeleteSeries(r.Context(), r.PathValue("id"))
	if err != nil {
		return err
	}
	return m.writeSuccess(w, http.StatusOK, res)
}

func (m *Mux) handleSubscribe(w http.ResponseWriter, r *http.Request) error {
	p := identity.FromContext(r.Context())
	res, err := m.svc.Subscribe(r.Context(), r.PathValue("id"), p.UserID, p.Email)
	if err != nil {
		return err
	}
	return m.writeSuccess(w, http.StatusOK, res)
}

func (m *Mux) handleUnsubscribe(w http.ResponseWriter, r *http.Request) error {
	p := identity.FromContext(r.Context())
	res, err := m.svc.Unsubscribe(r.Context(), r.PathValue("id"), p.UserID, p.Email)
	if err != nil {
		return err
	}
	return m.writeSuccess(w, http.StatusOK, res)
}

func (m *Mux) handleCreateLesson(w http.ResponseWriter, r *http.Request) error {
	var in model.LessonInput
	up, err := m.decodeRequest(r, schema.LessonCreate, &in, fieldVideo, fieldDocuments)
	defer up.Close()
	if err != nil {
		return err
	}
	p := identity.FromContext(r.Context())
	lesson, err := m.svc.CreateLesson(r.Context(), r.PathValue("id"), in, p.UserID, p.RawToken, service.LessonFiles{
		Video:     up.first(fieldVideo),
		Documents: up.all(fieldDocuments),
	})
	if err != nil {
		return err
	}
	return m.writeSuccess(w, http.StatusCreated, lesson)
}

func (m *Mux) handleListLessons(w http.ResponseWriter, r *http.Request) error {
	lessons, err := m.svc.ListLessons(r.Context(), r.PathValue("id"))
	if err != nil {
		return err
	}
	return m.writeSuccess(w, http.StatusOK, map[string]interface{}{"lessons": lessons})
}

func (m *Mux) handleGetLesson(w http.ResponseWriter, r *http.Request) error {
	lesson, err := m.svc.GetLesson(r.Context(), r.PathValue("id"), r.PathValue("lessonId"))
	if err != nil {
		return err
	}
	if lesson == nil {
		return notFound("lesson")
	}
	return m.writeSuccess(w, http.StatusOK, lesson)
}

func (m *Mux) handleUpdateLesson(w http.ResponseWriter, r *http.Request) error {
	var patch model.LessonPatch
	up, err := m.decodeRequest(r, schema.LessonPatch, &patch, fieldVideo, fieldDocuments)
	defer up.Close()
	if err != nil {
		return err
	}
	p := identity.FromContext(r.Context())
	lesson, err := m.svc.UpdateLesson(r.Context(), r.PathValue("id"), r.PathValue("lessonId"), patch, p.UserID, p.RawToken, service.LessonFiles{
		Video:     up.first(fieldVideo),
		Documents: up.all(fieldDocuments),
	})
	if err != nil {
		return err
	}
	if lesson == nil {
		return notFound("lesson")
	}
	return m.writeSuccess(w, http.StatusOK, lesson)
}

func (m *Mux) handleDeleteLesson(w http.ResponseWriter, r *http.Request) error {
	deleted, err := m.svc.DeleteLesson(r.Context(), r.PathValue("id"), r.PathValue("lessonId"))
	if err != nil {
		return err
	}
	return m.writeSuccess(w, http.StatusOK, map[string]interface{}{"deleted": deleted})
}

func (m *Mux) handleDeleteLessonDocument(w http.ResponseWriter, r *http.Request) error {
	var ref struct {
		URL string `json:"url"`
	}
	if err := m.decodeJSON(r, schema.DocumentRef, &ref); err != nil {
		return err
	}
	lesson, err := m.svc.DeleteLessonDocument(r.Context(), r.PathValue("id"), r.PathValue("lessonId"), ref.URL)
	if err != nil {
		return err
	}
	return m.writeSuccess(w, http.StatusOK, lesson)
}
