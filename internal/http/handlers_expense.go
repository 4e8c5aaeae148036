package http

import (
	"errors"
	"fmt"
	"net/http"

	"expensewatch/internal/auth"
	"expensewatch/internal/core"
	"expensewatch/internal/log"
	"expensewatch/internal/services"
)

// uploadField is the multipart field carrying the CSV file.
const uploadField = "file"

type deleteResponse struct {
	ID      int64 `json:"id"`
	Deleted bool  `json:"deleted"`
}

type countResponse struct {
	Count int64 `json:"count"`
}

func (s *Server) handleListExpenses(w http.ResponseWriter, r *http.Request) {
	u, err := auth.UserFromContext(r.Context())
	if err != nil {
		s.writeServiceError(w, r, log.OpList, err)
		return
	}

	expenses, err := s.expenses.ListExpenses(r.Context(), u)
	if err != nil {
		s.writeServiceError(w, r, log.OpList, err)
		return
	}
	if expenses == nil {
		expenses = []core.Expense{}
	}
	NewJSONResponse().Body(expenses).Write(w)
}

func (s *Server) handleCreateExpense(w http.ResponseWriter, r *http.Request) {
	u, err := auth.UserFromContext(r.Context())
	if err != nil {
		s.writeServiceError(w, r, log.OpCreate, err)
		return
	}

	var in services.CreateExpenseInput
	if err := decodeJSON(w, r, &in); err != nil {
		s.writeServiceError(w, r, log.OpCreate, err)
		return
	}
	in.VendorName = sanitizeInput(in.VendorName)
	in.Description = sanitizeInput(in.Description)
	in.Category = sanitizeInput(in.Category)

	e, err := s.expenses.CreateExpense(r.Context(), u, in)
	if err != nil {
		s.writeServiceError(w, r, log.OpCreate, err)
		return
	}
	NewJSONResponse().
		Status(http.StatusCreated).
		Header("Location", fmt.Sprintf("/api/expenses/%d", e.ID)).
		Body(e).
		Write(w)
}

func (s *Server) handleDeleteExpense(w http.ResponseWriter, r *http.Request) {
	u, err := auth.UserFromContext(r.Context())
	if err != nil {
		s.writeServiceError(w, r, log.OpDelete, err)
		return
	}

	id, err := parseID(r, "id")
	if err != nil {
		s.writeServiceError(w, r, log.OpDelete, err)
		return
	}
	if err := s.expenses.DeleteExpense(r.Context(), id, u); err != nil {
		s.writeServiceError(w, r, log.OpDelete, err)
		return
	}
	NewJSONResponse().Body(deleteResponse{ID: id, Deleted: true}).Write(w)
}

// handleUpload imports a CSV sent as multipart field "file".
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	u, err := auth.UserFromContext(r.Context())
	if err != nil {
		s.writeServiceError(w, r, log.OpImport, err)
		return
	}

	if r.ContentLength > s.maxUploadBytes {
		s.writeServiceError(w, r, log.OpImport, &http.MaxBytesError{Limit: s.maxUploadBytes})
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(s.maxUploadBytes); err != nil {
		var maxBytes *http.MaxBytesError
		if !errors.As(err, &maxBytes) {
			err = fmt.Errorf("%w: malformed multipart body", core.ErrInvalidInput)
		}
		s.writeServiceError(w, r, log.OpImport, err)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile(uploadField)
	if err != nil {
		s.writeServiceError(w, r, log.OpImport, fmt.Errorf("%w: missing %q file field", core.ErrInvalidInput, uploadField))
		return
	}
	defer file.Close()

	res, err := s.expenses.ImportCSV(r.Context(), u, file, header.Size)
	if err != nil {
		s.writeServiceError(w, r, log.OpImport, err)
		return
	}

	log.FromContext(r.Context()).DebugContext(r.Context(), "Upload processed",
		log.NewFields().
			WithOwner(u.ID).
			WithImport(res.Imported, res.Rejected, res.Anomalies).
			WithOperation(log.OpImport).
			ToSlice()...)
	NewJSONResponse().Body(res).Write(w)
}

func (s *Server) handleCountAnomalies(w http.ResponseWriter, r *http.Request) {
	u, err := auth.UserFromContext(r.Context())
	if err != nil {
		s.writeServiceError(w, r, log.OpCount, err)
		return
	}

	n, err := s.expenses.CountAnomalies(r.Context(), u)
	if err != nil {
		s.writeServiceError(w, r, log.OpCount, err)
		return
	}
	NewJSONResponse().Body(countResponse{Count: n}).Write(w)
}
