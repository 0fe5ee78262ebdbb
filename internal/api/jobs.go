package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/curp-search-engine/internal/dataset"
	"github.com/JakeFAU/curp-search-engine/internal/hash/sha256"
	"github.com/JakeFAU/curp-search-engine/internal/search"
)

type startRequest struct {
	JobID     string `json:"job_id,omitempty"`
	Filename  string `json:"filename"`
	YearStart *int   `json:"year_start"`
	YearEnd   *int   `json:"year_end"`

	MonthStart int `json:"month_start,omitempty"`
	MonthEnd   int `json:"month_end,omitempty"`
	StartRow   int `json:"start_row,omitempty"`
	EndRow     int `json:"end_row,omitempty"`

	LastPersonYearStart  int `json:"last_person_year_start,omitempty"`
	LastPersonYearEnd    int `json:"last_person_year_end,omitempty"`
	LastPersonMonthStart int `json:"last_person_month_start,omitempty"`
	LastPersonMonthEnd   int `json:"last_person_month_end,omitempty"`

	Resume bool `json:"resume,omitempty"`
}

func (s *Server) uploadFile(w http.ResponseWriter, r *http.Request) {
	maxBytes := int64(s.cfg.Files.MaxUploadMBytes) << 20
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := r.ParseMultipartForm(maxBytes); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("file too large, maximum is %d MB", s.cfg.Files.MaxUploadMBytes))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "no file provided")
		return
	}
	defer file.Close()

	filename := sanitizeFilename(header.Filename)
	if filename == "" {
		writeError(w, http.StatusBadRequest, "no file selected")
		return
	}
	if !strings.EqualFold(filepath.Ext(filename), ".xlsx") {
		writeError(w, http.StatusBadRequest, "invalid file type, only .xlsx files are allowed")
		return
	}

	if err := os.MkdirAll(s.cfg.Files.UploadDir, 0o755); err != nil {
		writeError(w, http.StatusInternalServerError, "create upload directory failed")
		return
	}
	dest := filepath.Join(s.cfg.Files.UploadDir, filename)
	if _, err := os.Stat(dest); err == nil {
		// Keep the existing file; suffix the new one with a timestamp.
		stamp := s.clock.Now().Format("2006-01-02-15-04")
		ext := filepath.Ext(filename)
		filename = strings.TrimSuffix(filename, ext) + "_" + stamp + ext
		dest = filepath.Join(s.cfg.Files.UploadDir, filename)
	}

	out, err := os.Create(dest)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "save file failed")
		return
	}
	defer out.Close()
	digest := sha256.New()
	size, err := io.Copy(io.MultiWriter(out, digest), file)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "save file failed")
		return
	}
	s.logger.Info("file uploaded",
		zap.String("filename", filename),
		zap.Int64("size", size),
		zap.String("sha256", digest.Digest()),
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"message":  "file uploaded successfully",
		"filename": filename,
		"size":     size,
		"sha256":   digest.Digest(),
	})
}

func (s *Server) fileInfo(w http.ResponseWriter, r *http.Request) {
	filename := sanitizeFilename(r.URL.Query().Get("filename"))
	if filename == "" {
		writeError(w, http.StatusBadRequest, "filename is required")
		return
	}
	path := filepath.Join(s.cfg.Files.UploadDir, filename)
	count, err := dataset.RowCount(path)
	if err != nil {
		writeError(w, http.StatusNotFound, "file not found or unreadable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"filename":  filename,
		"row_count": count,
	})
}

func (s *Server) startSearch(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	params, err := s.toJobParameters(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	path := filepath.Join(s.cfg.Files.UploadDir, params.Filename)
	persons, err := dataset.ReadPersons(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeError(w, http.StatusNotFound, "file not found")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	jobID := req.JobID
	if jobID == "" {
		jobID, err = s.idGen.NewID()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "generate job id failed")
			return
		}
	}

	// Coordinator path: no explicit row range on a multi-node deployment
	// means this request came from an operator, so split it across nodes.
	if s.distributor != nil && params.StartRow == 0 && params.EndRow == 0 {
		if err := s.distributor.StartDistributed(r.Context(), jobID, params, len(persons)); err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"job_id":      jobID,
			"distributed": true,
			"nodes":       s.cfg.NodeCount(),
		})
		return
	}

	assigned, err := dataset.Slice(persons, params.StartRow, params.EndRow)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	job := search.Job{
		ID:         jobID,
		Status:     search.JobStatusPending,
		CreatedAt:  s.clock.Now(),
		Parameters: params,
	}
	register := s.jobs.CreateJob
	if params.Resume {
		// A resume reuses the job id of the terminal record whose checkpoint
		// it continues from.
		register = s.jobs.ResetJob
	}
	if err := register(r.Context(), job); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err := s.runner.StartJob(r.Context(), job, assigned); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":  jobID,
		"persons": len(assigned),
	})
}

func (s *Server) toJobParameters(req startRequest) (search.JobParameters, error) {
	params := search.JobParameters{
		Filename:             sanitizeFilename(req.Filename),
		MonthStart:           req.MonthStart,
		MonthEnd:             req.MonthEnd,
		StartRow:             req.StartRow,
		EndRow:               req.EndRow,
		LastPersonYearStart:  req.LastPersonYearStart,
		LastPersonYearEnd:    req.LastPersonYearEnd,
		LastPersonMonthStart: req.LastPersonMonthStart,
		LastPersonMonthEnd:   req.LastPersonMonthEnd,
		Resume:               req.Resume,
	}
	if params.Filename == "" {
		return params, errors.New("filename is required")
	}
	if req.YearStart == nil || req.YearEnd == nil {
		params.YearStart = s.cfg.Search.YearStartDefault
		params.YearEnd = s.cfg.Search.YearEndDefault
	} else {
		params.YearStart = *req.YearStart
		params.YearEnd = *req.YearEnd
	}
	if params.YearStart > params.YearEnd {
		return params, errors.New("year_start must be less than or equal to year_end")
	}
	if params.YearStart < 1900 || params.YearEnd > 2100 {
		return params, errors.New("year range must be between 1900 and 2100")
	}
	if (params.StartRow == 0) != (params.EndRow == 0) {
		return params, errors.New("start_row and end_row must be provided together")
	}
	if params.StartRow != 0 && (params.StartRow < 1 || params.EndRow < params.StartRow) {
		return params, errors.New("row range invalid: start_row must be >= 1 and end_row >= start_row")
	}
	if params.Resume && req.JobID == "" {
		return params, errors.New("resume requires a job_id")
	}
	return params, nil
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.jobs.ListJobs(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) jobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if s.distributor != nil {
		if combined, ok := s.distributor.Combined(jobID); ok {
			writeJSON(w, http.StatusOK, map[string]any{"job_id": jobID, "combined": combined})
			return
		}
	}
	job, err := s.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if err := s.runner.Cancel(jobID); err != nil {
		if errors.Is(err, search.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not running")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID, "status": string(search.JobStatusCancelled)})
}

func (s *Server) pauseJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if err := s.runner.Pause(r.Context(), jobID); err != nil {
		if errors.Is(err, search.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not running")
			return
		}
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID, "status": string(search.JobStatusPaused)})
}

func (s *Server) resumeJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if err := s.runner.Resume(r.Context(), jobID); err != nil {
		if errors.Is(err, search.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not running")
			return
		}
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID, "status": string(search.JobStatusRunning)})
}

// downloadResults builds the two-sheet export from durable match state and
// serves it. Works for completed and partially completed jobs alike.
func (s *Server) downloadResults(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	persons, err := dataset.ReadPersons(filepath.Join(s.cfg.Files.UploadDir, job.Parameters.Filename))
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("read input dataset: %v", err))
		return
	}
	persons, err = dataset.Slice(persons, job.Parameters.StartRow, job.Parameters.EndRow)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	matches, err := s.checkpoints.ListMatches(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("load matches: %v", err))
		return
	}

	if err := os.MkdirAll(s.cfg.Files.ResultDir, 0o755); err != nil {
		writeError(w, http.StatusInternalServerError, "create result directory failed")
		return
	}
	name := fmt.Sprintf("curp_results_%s_%s.xlsx", jobID, s.clock.Now().Format("2006-01-02-15-04"))
	path := filepath.Join(s.cfg.Files.ResultDir, name)
	if err := dataset.WriteResults(path, persons, matches); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.jobs.SetResultFile(r.Context(), jobID, path); err != nil {
		s.logger.Warn("record result file failed", zap.Error(err))
	}

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	http.ServeFile(w, r, path)
}

// sanitizeFilename strips any path components, leaving a bare file name.
func sanitizeFilename(name string) string {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "." || name == string(filepath.Separator) {
		return ""
	}
	return name
}
