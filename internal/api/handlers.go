package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"ibn-ledger/gateway/internal/platform/breaker"
	"ibn-ledger/gateway/internal/queue"
	"ibn-ledger/gateway/pkg/models"
)

const maxBodyBytes = 1 << 20

type callerHandler func(w http.ResponseWriter, r *http.Request, caller models.Caller)

func (s *Server) requireAuth(next callerHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := s.authn.Resolve(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next(w, r, caller)
	}
}

func (s *Server) requireAdmin(next callerHandler) http.HandlerFunc {
	return s.requireAuth(func(w http.ResponseWriter, r *http.Request, caller models.Caller) {
		if !caller.IsAdmin() {
			writeError(w, http.StatusForbidden, "admin role required")
			return
		}
		next(w, r, caller)
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable request body")
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request, caller models.Caller) {
	s.handleTransaction(w, r, caller, queue.KindInvoke)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request, caller models.Caller) {
	s.handleTransaction(w, r, caller, queue.KindQuery)
}

func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request, caller models.Caller, kind queue.Kind) {
	var req models.TransactionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ChaincodeID) == "" || strings.TrimSpace(req.FunctionName) == "" {
		writeError(w, http.StatusBadRequest, "chaincode_id and function_name are required")
		return
	}

	result, err := s.queue.Submit(r.Context(), req, kind, caller)
	if err != nil {
		s.log.Warn("transaction rejected",
			"user_id", caller.UserID,
			"chaincode", req.ChaincodeID,
			"function", req.FunctionName,
			"error", err,
		)
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"result":      payloadJSON(result.Payload),
		"duration_ms": result.DurationMs,
	})
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request, caller models.Caller) {
	var req models.DeployRequest
	if !decodeBody(w, r, &req) {
		return
	}
	dep, err := s.orch.StartDeploy(context.WithoutCancel(r.Context()), req)
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	s.log.Info("deployment accepted",
		"deployment_id", dep.ID,
		"chaincode", dep.ChaincodeID,
		"user_id", caller.UserID,
	)
	writeData(w, http.StatusAccepted, map[string]any{
		"deployment_id": dep.ID,
		"state":         dep.State,
	})
}

func (s *Server) handleListDeployments(w http.ResponseWriter, r *http.Request, caller models.Caller) {
	list := s.orch.Store().List()
	if !caller.IsAdmin() {
		for i := range list {
			list[i].Logs = ""
		}
	}
	writeData(w, http.StatusOK, list)
}

func (s *Server) handleGetDeployment(w http.ResponseWriter, r *http.Request, caller models.Caller) {
	dep, err := s.orch.Store().Get(r.PathValue("id"))
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	if !caller.IsAdmin() {
		dep.Logs = ""
	}
	writeData(w, http.StatusOK, dep)
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request, _ models.Caller) {
	writeData(w, http.StatusOK, s.queue.Status())
}

func (s *Server) handleQueuePause(w http.ResponseWriter, r *http.Request, caller models.Caller) {
	s.queue.Pause()
	s.log.Info("queue paused", "user_id", caller.UserID)
	writeData(w, http.StatusOK, s.queue.Status())
}

func (s *Server) handleQueueResume(w http.ResponseWriter, r *http.Request, caller models.Caller) {
	s.queue.Resume()
	s.log.Info("queue resumed", "user_id", caller.UserID)
	writeData(w, http.StatusOK, s.queue.Status())
}

func (s *Server) handleQueueClear(w http.ResponseWriter, r *http.Request, caller models.Caller) {
	dropped := s.queue.Clear()
	s.log.Info("queue cleared", "user_id", caller.UserID, "dropped", dropped)
	writeData(w, http.StatusOK, map[string]any{"dropped": dropped})
}

func (s *Server) handlePoolStatus(w http.ResponseWriter, r *http.Request, _ models.Caller) {
	writeData(w, http.StatusOK, s.pool.Status())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := models.HealthReport{
		Status: "ok",
		Pool:   s.pool.Status(),
		Queue:  s.queue.Status(),
	}
	for _, st := range s.breakers.All() {
		report.Breakers = append(report.Breakers, models.BreakerStatus{
			Name:          st.Name,
			State:         st.State.String(),
			FailureCount:  st.FailureCount,
			LastFailureAt: st.LastFailureAt,
		})
		if st.State != breaker.StateClosed {
			report.Status = "degraded"
		}
	}
	if !report.Pool.Healthy {
		report.Status = "degraded"
	}

	status := http.StatusOK
	if report.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeData(w, status, report)
}
