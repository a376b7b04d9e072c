package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/gatehouse/pkg/httputil"
	"github.com/platinummonkey/gatehouse/pkg/propagation"
)

const (
	defaultJobLimit = 50
	maxJobLimit     = 500
)

func (s *Server) registerJobRoutes(r *mux.Router) {
	r.HandleFunc("/propagation/jobs", s.submitJob).Methods(http.MethodPost)
	r.HandleFunc("/propagation/jobs", s.listJobs).Methods(http.MethodGet)
	r.HandleFunc("/propagation/jobs/{id}", s.getJob).Methods(http.MethodGet)
	r.HandleFunc("/propagation/jobs/{id}/cancel", s.cancelJob).Methods(http.MethodPost)
}

// submitJob queues a propagation job. Only the scope is checked up front;
// authorization and target validation run inside the job and surface in its
// status.
func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req SubmitJobRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	job, err := s.engine.SubmitPropagationJob(r.Context(), req.toRequest(userID))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.entry(r).WithField("job_id", job.ID).Info("Propagation job accepted")
	httputil.WriteAccepted(w, "/api/v1/propagation/jobs/"+job.ID, newJobResponse(job))
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	page, err := httputil.ParsePage(r, defaultJobLimit, maxJobLimit)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	status := propagation.JobStatus(httputil.ParseQueryString(r, "status", ""))

	jobs, err := s.engine.ListJobs(r.Context(), propagation.ListFilter{
		Status:          status,
		InitiatorUserID: userID,
		OrganizationID:  httputil.ParseQueryString(r, "organization_id", ""),
		Limit:           page.Limit,
	})
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}

	out := make([]JobResponse, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, newJobResponse(j))
	}
	httputil.WriteSuccess(w, JobListResponse{Jobs: out, Count: len(out)})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	job, ok := s.ownedJob(w, r, userID)
	if !ok {
		return
	}
	httputil.WriteSuccess(w, newJobResponse(job))
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	if _, ok := s.ownedJob(w, r, userID); !ok {
		return
	}

	job, err := s.engine.CancelJob(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.entry(r).WithField("job_id", job.ID).Info("Propagation job cancellation requested")
	httputil.WriteAccepted(w, "", newJobResponse(job))
}

// ownedJob loads a job the caller initiated. Other users' jobs read as
// not found so ids cannot be probed.
func (s *Server) ownedJob(w http.ResponseWriter, r *http.Request, userID string) (*propagation.Job, bool) {
	job, err := s.engine.GetJobStatus(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeEngineError(w, r, err)
		return nil, false
	}
	if job.InitiatorUserID != userID {
		writeNotFound(w, propagation.ErrJobNotFound.Error())
		return nil, false
	}
	return job, true
}
