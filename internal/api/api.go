// Package api exposes the archivist over HTTP for tooling and operators.
// Every HTTP request owns one coordinator; writes are distributed before the
// response is written.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/celerix-dev/archivist/internal/vault/client"
	"github.com/celerix-dev/archivist/pkg/archivist"
	"github.com/celerix-dev/archivist/pkg/engine"
	"github.com/celerix-dev/archivist/pkg/schema"
	"github.com/celerix-dev/archivist/pkg/value"
)

// Query parameters with these names are options, never index fields.
const (
	paramOptional = "optional"
	paramTTL      = "ttl"
)

const (
	headerActor     = "X-Actor-Id"
	headerRequestID = "X-Request-Id"
)

type Handler struct {
	Archivist *archivist.Archivist
}

// Routes registers every endpoint on r.
func (h *Handler) Routes(r gin.IRoutes) {
	r.GET("/topics", h.Topics)
	r.GET("/topics/:topic", h.Get)
	r.GET("/topics/:topic/list", h.List)
	r.PUT("/topics/:topic", h.Set)
	r.POST("/topics/:topic", h.Add)
	r.PATCH("/topics/:topic", h.ApplyDiff)
	r.POST("/topics/:topic/touch", h.Touch)
	r.DELETE("/topics/:topic", h.Delete)
	r.POST("/mget", h.MGet)
	r.POST("/migrate", h.Migrate)
}

// Record is the JSON form of a value. JSON payloads are inlined, text is a
// string and anything else is base64.
type Record struct {
	Key       schema.Ref      `json:"key"`
	MediaType string          `json:"mediaType"`
	Encoding  string          `json:"encoding"`
	Data      json.RawMessage `json:"data"`
	Expires   time.Time       `json:"expires,omitzero"`
}

func render(v *value.Value) (*Record, error) {
	if v == nil {
		return nil, nil
	}
	ev, err := client.Serialize(v)
	if err != nil {
		return nil, err
	}
	return &Record{
		Key:       v.Ref(),
		MediaType: ev.MediaType,
		Encoding:  ev.Encoding,
		Data:      ev.Data,
		Expires:   v.Expires(),
	}, nil
}

// Failure is the JSON form of one failed vault write.
type Failure struct {
	Key   string    `json:"key"`
	Vault string    `json:"vault"`
	Op    engine.Op `json:"op"`
	Error string    `json:"error"`
}

func status(err error) int {
	switch {
	case errors.Is(err, engine.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, engine.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, engine.ErrUnsupportedMediaType):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, engine.ErrMalformedDiff):
		return http.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrInvalidIndex), errors.Is(err, engine.ErrUnknownTopic):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrCapabilityUnsupported):
		return http.StatusNotImplemented
	case errors.Is(err, engine.ErrIO):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func fail(c *gin.Context, err error) {
	c.JSON(status(err), gin.H{"error": err.Error()})
}

func (h *Handler) coordinator(c *gin.Context) *archivist.Coordinator {
	var opts []archivist.CoordinatorOption
	if actor := c.GetHeader(headerActor); actor != "" {
		opts = append(opts, archivist.WithActor(actor))
	}
	if id := c.GetHeader(headerRequestID); id != "" {
		opts = append(opts, archivist.WithRequestID(id))
	}
	co := h.Archivist.New(opts...)
	c.Header(headerRequestID, co.RequestID())
	return co
}

// index collects the query parameters that are not options.
func index(c *gin.Context) schema.Index {
	ix := schema.Index{}
	for name, values := range c.Request.URL.Query() {
		switch name {
		case paramOptional, paramTTL:
			continue
		}
		if len(values) > 0 {
			ix[name] = values[0]
		}
	}
	return ix
}

func writeOptions(c *gin.Context) ([]archivist.WriteOption, error) {
	var opts []archivist.WriteOption
	if raw := c.Query(paramTTL); raw != "" {
		ttl, err := time.ParseDuration(raw)
		if err != nil || ttl < 0 {
			return nil, errors.New("invalid ttl " + raw)
		}
		opts = append(opts, archivist.WithTTL(ttl))
	}
	return opts, nil
}

// payload reads the request body according to its content type.
func payload(c *gin.Context) (any, []archivist.WriteOption, error) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return nil, nil, err
	}
	mt := value.MediaJSON
	if ct := c.ContentType(); ct != "" {
		if parsed, _, err := mime.ParseMediaType(ct); err == nil {
			mt = value.MediaType(parsed)
		}
	}

	switch mt {
	case value.MediaJSON:
		var data any
		if err := json.Unmarshal(body, &data); err != nil {
			return nil, nil, err
		}
		return data, nil, nil
	case value.MediaText:
		return string(body), []archivist.WriteOption{archivist.WithMediaType(mt), archivist.WithEncoding(value.EncodingUTF8)}, nil
	}
	return body, []archivist.WriteOption{archivist.WithMediaType(mt), archivist.WithEncoding(value.EncodingBuffer)}, nil
}

// distribute applies the coordinator's writes and reports failures. It
// returns false when a response was already written.
func distribute(c *gin.Context, co *archivist.Coordinator) bool {
	err := co.Distribute(c.Request.Context())
	if err == nil {
		return true
	}
	failures := []Failure{}
	for _, f := range archivist.Failures(err) {
		failures = append(failures, Failure{
			Key:   schema.Ref{Topic: f.Topic, Index: f.Index}.String(),
			Vault: f.Vault,
			Op:    f.Op,
			Error: f.Err.Error(),
		})
	}
	code := http.StatusBadGateway
	if errors.Is(err, engine.ErrAlreadyExists) {
		code = http.StatusConflict
	}
	c.JSON(code, gin.H{"error": err.Error(), "failures": failures})
	return false
}

func (h *Handler) Topics(c *gin.Context) {
	c.JSON(http.StatusOK, h.Archivist.Topics())
}

func (h *Handler) Get(c *gin.Context) {
	co := h.coordinator(c)
	defer co.Discard()

	var opts []archivist.ReadOption
	if c.Query(paramOptional) == "true" {
		opts = append(opts, archivist.Optional())
	}

	v, err := co.Get(c.Request.Context(), c.Param("topic"), index(c), opts...)
	if err != nil {
		fail(c, err)
		return
	}
	if v == nil {
		c.Status(http.StatusNoContent)
		return
	}
	rec, err := render(v)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) List(c *gin.Context) {
	co := h.coordinator(c)
	defer co.Discard()

	indexes, err := co.List(c.Request.Context(), c.Param("topic"), index(c))
	if err != nil {
		fail(c, err)
		return
	}
	if indexes == nil {
		indexes = []schema.Index{}
	}
	c.JSON(http.StatusOK, indexes)
}

func (h *Handler) Set(c *gin.Context) {
	h.write(c, http.StatusOK, (*archivist.Coordinator).Set)
}

func (h *Handler) Add(c *gin.Context) {
	h.write(c, http.StatusCreated, (*archivist.Coordinator).Add)
}

type writeFunc func(co *archivist.Coordinator, topic string, index schema.Index, data any, opts ...archivist.WriteOption) (*value.Value, error)

func (h *Handler) write(c *gin.Context, code int, op writeFunc) {
	co := h.coordinator(c)
	defer co.Discard()

	data, opts, err := payload(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ttlOpts, err := writeOptions(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	v, err := op(co, c.Param("topic"), index(c), data, append(opts, ttlOpts...)...)
	if err != nil {
		fail(c, err)
		return
	}
	rec, err := render(v)
	if err != nil {
		fail(c, err)
		return
	}
	if distribute(c, co) {
		c.JSON(code, rec)
	}
}

func (h *Handler) ApplyDiff(c *gin.Context) {
	co := h.coordinator(c)
	defer co.Discard()

	var ops []value.DiffOp
	if err := c.ShouldBindJSON(&ops); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	opts, err := writeOptions(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	v, err := co.ApplyDiff(c.Request.Context(), c.Param("topic"), index(c), ops, opts...)
	if err != nil {
		fail(c, err)
		return
	}
	rec, err := render(v)
	if err != nil {
		fail(c, err)
		return
	}
	if distribute(c, co) {
		c.JSON(http.StatusOK, rec)
	}
}

func (h *Handler) Touch(c *gin.Context) {
	co := h.coordinator(c)
	defer co.Discard()

	ttl, err := time.ParseDuration(c.Query(paramTTL))
	if err != nil || ttl < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "a valid ttl is required"})
		return
	}
	if err := co.Touch(c.Param("topic"), index(c), ttl); err != nil {
		fail(c, err)
		return
	}
	if distribute(c, co) {
		c.JSON(http.StatusOK, gin.H{"status": "success"})
	}
}

func (h *Handler) Delete(c *gin.Context) {
	co := h.coordinator(c)
	defer co.Discard()

	if err := co.Del(c.Param("topic"), index(c)); err != nil {
		fail(c, err)
		return
	}
	if distribute(c, co) {
		c.JSON(http.StatusOK, gin.H{"status": "success"})
	}
}

func (h *Handler) MGet(c *gin.Context) {
	var input struct {
		Refs     []schema.Ref `json:"refs" binding:"required"`
		Optional bool         `json:"optional"`
		Strict   bool         `json:"strict"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	co := h.coordinator(c)
	defer co.Discard()

	var opts []archivist.MGetOption
	if input.Optional {
		opts = append(opts, archivist.WithRead(archivist.Optional()))
	}
	if input.Strict {
		opts = append(opts, archivist.Strict())
	}

	values, mgetErr := co.MGet(c.Request.Context(), input.Refs, opts...)
	if mgetErr != nil && input.Strict {
		fail(c, mgetErr)
		return
	}

	records := make([]*Record, len(values))
	for i, v := range values {
		var err error
		if records[i], err = render(v); err != nil {
			fail(c, err)
			return
		}
	}
	errs := map[int]string{}
	for _, ee := range archivist.EntryErrors(mgetErr) {
		errs[ee.Position] = ee.Err.Error()
	}
	c.JSON(http.StatusOK, gin.H{"records": records, "errors": errs})
}

func (h *Handler) Migrate(c *gin.Context) {
	var input struct {
		Topic string `json:"topic" binding:"required"`
		From  string `json:"from" binding:"required"`
		To    string `json:"to" binding:"required"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	n, err := archivist.Migrate(c.Request.Context(), h.Archivist, input.Topic, input.From, input.To)
	if err != nil {
		c.JSON(status(err), gin.H{"error": err.Error(), "migrated": n})
		return
	}
	c.JSON(http.StatusOK, gin.H{"migrated": n})
}
