package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tbourn/go-receipt-pipeline/internal/domain"
	"github.com/tbourn/go-receipt-pipeline/internal/http/middleware"
	"github.com/tbourn/go-receipt-pipeline/internal/intake"
	"github.com/tbourn/go-receipt-pipeline/internal/repo"
	"github.com/tbourn/go-receipt-pipeline/internal/services"
)

// ---------- fakes ----------

type uploadCall struct {
	clientID, key, name string
	size                int
}

type fakeReceipts struct {
	uploads   []uploadCall
	uploadRec *domain.Receipt
	replayed  bool
	uploadErr error

	rec    *domain.Receipt
	err    error
	status string
	page   int
	size   int
	list   []domain.Receipt
	total  int64
}

func (f *fakeReceipts) Upload(_ context.Context, clientID, key, name string, data []byte) (*domain.Receipt, bool, error) {
	f.uploads = append(f.uploads, uploadCall{clientID, key, name, len(data)})
	return f.uploadRec, f.replayed, f.uploadErr
}

func (f *fakeReceipts) Get(context.Context, string) (*domain.Receipt, error) { return f.rec, f.err }

func (f *fakeReceipts) ListPage(_ context.Context, status string, page, size int) ([]domain.Receipt, int64, error) {
	f.status, f.page, f.size = status, page, size
	return f.list, f.total, f.err
}

func (f *fakeReceipts) Confirm(context.Context, string) (*domain.Receipt, error) { return f.rec, f.err }
func (f *fakeReceipts) Retry(context.Context, string) (*domain.Receipt, error) { return f.rec, f.err }
func (f *fakeReceipts) Delete(context.Context, string) error { return f.err }

type fakeInventory struct {
	ev  *domain.ConsumptionEvent
	err error
	qty float64
	low []repo.ProductStock
}

func (f *fakeInventory) Consume(_ context.Context, _ string, qty float64, reason string) (*domain.ConsumptionEvent, error) {
	f.qty = qty
	if f.ev != nil {
		f.ev.Reason = reason
	}
	return f.ev, f.err
}

func (f *fakeInventory) LowStock(context.Context) ([]repo.ProductStock, error) { return f.low, f.err }

// ---------- helpers ----------

func newTestRouter(rs ReceiptService, inv InventoryService, maxUpload int64) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.RequestID(), middleware.ClientID())
	r.Use(middleware.IdempotencyValidator(middleware.IdempotencyOptions{}, nil))
	h := New(rs, inv, maxUpload)
	api := r.Group("/api/v1")
	api.POST("/receipts", h.UploadReceipt)
	api.GET("/receipts", h.ListReceipts)
	api.GET("/receipts/:id", h.GetReceipt)
	api.POST("/receipts/:id/retry", h.RetryReceipt)
	api.POST("/receipts/:id/confirm", h.ConfirmReceipt)
	api.DELETE("/receipts/:id", h.DeleteReceipt)
	api.POST("/inventory/:id/consume", h.ConsumeInventory)
	api.GET("/inventory/low-stock", h.LowStock)
	return r
}

func multipartBody(t *testing.T, field, name string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, name)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = fw.Write(data)
	_ = mw.Close()
	return &buf, mw.FormDataContentType()
}

func do(r *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %T: %v (%s)", v, err, w.Body.String())
	}
	return v
}

// ---------- upload ----------

func TestUploadReceipt_Accepted(t *testing.T) {
	id := uuid.NewString()
	fr := &fakeReceipts{uploadRec: &domain.Receipt{ID: id, ProcessingStep: domain.StepUploaded, Status: domain.StatusPending}}
	r := newTestRouter(fr, nil, 1<<20)

	body, ct := multipartBody(t, "file", "lidl.jpg", []byte("jpeg bytes"))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/receipts", body)
	req.Header.Set("Content-Type", ct)
	req.Header.Set(middleware.HeaderClientID, "tablet-1")
	req.Header.Set(middleware.HeaderIdempotencyKey, "k-1")
	w := do(r, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d (%s)", w.Code, w.Body.String())
	}
	if loc := w.Header().Get("Location"); loc != "/api/v1/receipts/"+id {
		t.Fatalf("Location = %q", loc)
	}
	if len(fr.uploads) != 1 || fr.uploads[0] != (uploadCall{"tablet-1", "k-1", "lidl.jpg", 10}) {
		t.Fatalf("upload call = %+v", fr.uploads)
	}
	resp := decode[map[string]any](t, w)
	if resp["id"] != id || resp["processing_step"] != domain.StepUploaded {
		t.Fatalf("body = %v", resp)
	}
	if _, has := resp["progress_percent"]; !has {
		t.Fatalf("progress missing: %v", resp)
	}
}

func TestUploadReceipt_Replay(t *testing.T) {
	fr := &fakeReceipts{uploadRec: &domain.Receipt{ID: uuid.NewString()}, replayed: true}
	r := newTestRouter(fr, nil, 1<<20)
	body, ct := multipartBody(t, "file", "r.png", []byte("x"))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/receipts", body)
	req.Header.Set("Content-Type", ct)
	w := do(r, req)
	if w.Code != http.StatusOK || w.Header().Get("Idempotent-Replayed") != "true" {
		t.Fatalf("replay: %d %v", w.Code, w.Header())
	}
}

func TestUploadReceipt_Errors(t *testing.T) {
	t.Run("missing file field", func(t *testing.T) {
		r := newTestRouter(&fakeReceipts{}, nil, 1<<20)
		body, ct := multipartBody(t, "document", "r.png", []byte("x"))
		req := httptest.NewRequest(http.MethodPost, "/api/v1/receipts", body)
		req.Header.Set("Content-Type", ct)
		if w := do(r, req); w.Code != http.StatusBadRequest {
			t.Fatalf("status = %d", w.Code)
		}
	})

	t.Run("intake rejection", func(t *testing.T) {
		fr := &fakeReceipts{uploadErr: &intake.ValidationError{Code: intake.CodeUnsupportedType, Message: "type text/plain is not accepted"}}
		r := newTestRouter(fr, nil, 1<<20)
		body, ct := multipartBody(t, "file", "notes.txt", []byte("hello"))
		req := httptest.NewRequest(http.MethodPost, "/api/v1/receipts", body)
		req.Header.Set("Content-Type", ct)
		w := do(r, req)
		if w.Code != http.StatusUnsupportedMediaType || decode[ErrorResponse](t, w).Code != intake.CodeUnsupportedType {
			t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
		}
	})

	t.Run("oversize is read one byte past the cap", func(t *testing.T) {
		fr := &fakeReceipts{uploadRec: &domain.Receipt{ID: uuid.NewString()}}
		r := newTestRouter(fr, nil, 4)
		body, ct := multipartBody(t, "file", "r.png", []byte("0123456789"))
		req := httptest.NewRequest(http.MethodPost, "/api/v1/receipts", body)
		req.Header.Set("Content-Type", ct)
		do(r, req)
		if len(fr.uploads) != 1 || fr.uploads[0].size != 5 {
			t.Fatalf("uploads = %+v", fr.uploads)
		}
	})

	t.Run("queue full still accepted", func(t *testing.T) {
		fr := &fakeReceipts{uploadRec: &domain.Receipt{ID: uuid.NewString()}, uploadErr: services.ErrQueueFull}
		r := newTestRouter(fr, nil, 1<<20)
		body, ct := multipartBody(t, "file", "r.png", []byte("x"))
		req := httptest.NewRequest(http.MethodPost, "/api/v1/receipts", body)
		req.Header.Set("Content-Type", ct)
		if w := do(r, req); w.Code != http.StatusAccepted {
			t.Fatalf("status = %d", w.Code)
		}
	})

	t.Run("storage failure", func(t *testing.T) {
		r := newTestRouter(&fakeReceipts{uploadErr: errors.New("bucket gone")}, nil, 1<<20)
		body, ct := multipartBody(t, "file", "r.png", []byte("x"))
		req := httptest.NewRequest(http.MethodPost, "/api/v1/receipts", body)
		req.Header.Set("Content-Type", ct)
		w := do(r, req)
		if w.Code != http.StatusInternalServerError || decode[ErrorResponse](t, w).Code != ErrCodeUploadFailed {
			t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
		}
	})
}

// ---------- reads ----------

func TestListReceipts(t *testing.T) {
	fr := &fakeReceipts{
		list:  []domain.Receipt{{ID: "a", ProcessingStep: domain.StepDone}, {ID: "b", ProcessingStep: domain.StepOCRInProgress}},
		total: 5,
	}
	r := newTestRouter(fr, nil, 0)

	w := do(r, httptest.NewRequest(http.MethodGet, "/api/v1/receipts?status=completed&page=2&page_size=2", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if fr.status != domain.StatusCompleted || fr.page != 2 || fr.size != 2 {
		t.Fatalf("service args = %q %d %d", fr.status, fr.page, fr.size)
	}
	resp := decode[ListReceiptsResponse](t, w)
	if resp.Pagination.TotalPages != 3 || !resp.Pagination.HasNext || len(resp.Receipts) != 2 {
		t.Fatalf("pagination = %+v", resp.Pagination)
	}
	if resp.Receipts[0].ProgressPercent != 100 {
		t.Fatalf("progress = %d", resp.Receipts[0].ProgressPercent)
	}

	if w := do(r, httptest.NewRequest(http.MethodGet, "/api/v1/receipts?status=bogus", nil)); w.Code != http.StatusBadRequest {
		t.Fatalf("unknown status: %d", w.Code)
	}
	do(r, httptest.NewRequest(http.MethodGet, "/api/v1/receipts?page_size=1000", nil))
	if fr.size != 100 {
		t.Fatalf("page size not capped: %d", fr.size)
	}
}

func TestGetReceipt(t *testing.T) {
	id := uuid.NewString()
	fr := &fakeReceipts{rec: &domain.Receipt{ID: id, ProcessingStep: domain.StepReviewPending, Notes: "quality: 40"}}
	r := newTestRouter(fr, nil, 0)

	w := do(r, httptest.NewRequest(http.MethodGet, "/api/v1/receipts/"+id, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	resp := decode[map[string]any](t, w)
	if resp["notes"] != "quality: 40" || resp["progress_percent"] != float64(80) {
		t.Fatalf("body = %v", resp)
	}

	if w := do(r, httptest.NewRequest(http.MethodGet, "/api/v1/receipts/not-a-uuid", nil)); w.Code != http.StatusBadRequest {
		t.Fatalf("bad id: %d", w.Code)
	}
	fr.err = services.ErrReceiptNotFound
	if w := do(r, httptest.NewRequest(http.MethodGet, "/api/v1/receipts/"+id, nil)); w.Code != http.StatusNotFound {
		t.Fatalf("missing: %d", w.Code)
	}
}

// ---------- state changes ----------

func TestRetryConfirmDelete(t *testing.T) {
	id := uuid.NewString()
	fr := &fakeReceipts{rec: &domain.Receipt{ID: id, ProcessingStep: domain.StepOCRInProgress}}
	r := newTestRouter(fr, nil, 0)

	if w := do(r, httptest.NewRequest(http.MethodPost, "/api/v1/receipts/"+id+"/retry", nil)); w.Code != http.StatusAccepted {
		t.Fatalf("retry: %d", w.Code)
	}
	if w := do(r, httptest.NewRequest(http.MethodPost, "/api/v1/receipts/"+id+"/confirm", nil)); w.Code != http.StatusOK {
		t.Fatalf("confirm: %d", w.Code)
	}
	if w := do(r, httptest.NewRequest(http.MethodDelete, "/api/v1/receipts/"+id, nil)); w.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", w.Code)
	}

	fr.err = services.ErrInvalidState
	w := do(r, httptest.NewRequest(http.MethodPost, "/api/v1/receipts/"+id+"/confirm", nil))
	if w.Code != http.StatusConflict || decode[ErrorResponse](t, w).Code != ErrCodeInvalidState {
		t.Fatalf("confirm wrong state: %d %s", w.Code, w.Body.String())
	}
	fr.err = services.ErrReceiptActive
	if w := do(r, httptest.NewRequest(http.MethodDelete, "/api/v1/receipts/"+id, nil)); w.Code != http.StatusConflict {
		t.Fatalf("delete active: %d", w.Code)
	}
}

// ---------- inventory ----------

func TestConsumeInventory(t *testing.T) {
	id := uuid.NewString()
	fi := &fakeInventory{ev: &domain.ConsumptionEvent{InventoryItemID: id, Requested: 3, Applied: 2}}
	r := newTestRouter(nil, fi, 0)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/inventory/"+id+"/consume", bytes.NewBufferString(`{"quantity":3,"reason":" dinner "}`))
	req.Header.Set("Content-Type", "application/json")
	w := do(r, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", w.Code, w.Body.String())
	}
	ev := decode[domain.ConsumptionEvent](t, w)
	if fi.qty != 3 || ev.Applied != 2 || ev.Reason != "dinner" {
		t.Fatalf("event = %+v qty=%v", ev, fi.qty)
	}

	for _, body := range []string{`{"quantity":0}`, `{"quantity":-1}`, `{}`, `not json`} {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/inventory/"+id+"/consume", bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
		if w := do(r, req); w.Code != http.StatusBadRequest {
			t.Fatalf("body %s: status %d", body, w.Code)
		}
	}

	fi.err = services.ErrItemNotFound
	req = httptest.NewRequest(http.MethodPost, "/api/v1/inventory/"+id+"/consume", bytes.NewBufferString(`{"quantity":1}`))
	req.Header.Set("Content-Type", "application/json")
	if w := do(r, req); w.Code != http.StatusNotFound {
		t.Fatalf("missing item: %d", w.Code)
	}
}

func TestLowStock(t *testing.T) {
	fi := &fakeInventory{low: []repo.ProductStock{{ProductID: "p1", Name: "Kawa", Remaining: 0, Threshold: 1}}}
	r := newTestRouter(nil, fi, 0)
	w := do(r, httptest.NewRequest(http.MethodGet, "/api/v1/inventory/low-stock", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	resp := decode[LowStockResponse](t, w)
	if len(resp.Items) != 1 || resp.Items[0].Name != "Kawa" || resp.Items[0].Threshold != 1 {
		t.Fatalf("items = %+v", resp.Items)
	}
}
