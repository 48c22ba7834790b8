package api

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sbswitch/sbswitch/internal/commands"
	"github.com/sbswitch/sbswitch/internal/errors"
	"github.com/sbswitch/sbswitch/internal/metrics"
)

// statusFor maps a command error to an HTTP status.
func statusFor(err error) int {
	var unknown *commands.ErrUnknownAction
	var notFound *errors.ErrSessionNotFound
	var expired *errors.ErrSessionExpired
	switch {
	case stderrors.As(err, &unknown), errors.IsUserInput(err):
		return http.StatusBadRequest
	case stderrors.As(err, &notFound):
		return http.StatusNotFound
	case stderrors.As(err, &expired):
		return http.StatusGone
	case errors.IsPrecondition(err):
		return http.StatusConflict
	case stderrors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// execute runs one command and writes its response. Failures are written as
// {"error": message}, the same shape the command surface uses.
func (s *Server) execute(c *gin.Context, action string, data json.RawMessage, okStatus int) {
	resp, err := s.executor.Do(c.Request.Context(), commands.Command{Action: action, Data: data})
	label := action
	var unknown *commands.ErrUnknownAction
	if stderrors.As(err, &unknown) {
		label = "unknown"
	}
	c.Set(metrics.ActionKey, label)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			_ = c.Error(err)
		}
		c.JSON(status, commands.ErrorResponse(err))
		return
	}
	c.JSON(okStatus, resp)
}

// body reads the request body. It writes the error response itself and
// returns false when the body cannot be read.
func (s *Server) body(c *gin.Context) ([]byte, bool) {
	data, err := c.GetRawData()
	if err != nil {
		if isBodyTooLarge(err) {
			abortBodyTooLarge(c, s.apiConfig.MaxBodyBytes)
			return nil, false
		}
		c.AbortWithStatusJSON(http.StatusBadRequest, commands.ErrorResponse(fmt.Errorf("read body: %w", err)))
		return nil, false
	}
	return data, true
}

// objectWith decodes body as a JSON object (empty means {}) and sets extra
// fields on it.
func objectWith(body []byte, extra map[string]interface{}) (json.RawMessage, error) {
	obj := map[string]interface{}{}
	if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 {
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return nil, &errors.ErrUserInput{Field: "body", Reason: "must be a JSON object"}
		}
	}
	for k, v := range extra {
		obj[k] = v
	}
	return json.Marshal(obj)
}

func (s *Server) handleCommand(c *gin.Context) {
	data, ok := s.body(c)
	if !ok {
		return
	}
	var cmd commands.Command
	if err := json.Unmarshal(data, &cmd); err != nil || cmd.Action == "" {
		c.JSON(http.StatusBadRequest, commands.ErrorResponse(&errors.ErrUserInput{Field: "action", Reason: "a JSON object with an action is required"}))
		return
	}
	s.execute(c, cmd.Action, cmd.Data, http.StatusOK)
}

func (s *Server) handleListSessions(c *gin.Context) {
	s.execute(c, commands.ActionGetSessions, nil, http.StatusOK)
}

func (s *Server) handleSaveSession(c *gin.Context) {
	s.objectCommand(c, commands.ActionSaveSession, nil, http.StatusCreated)
}

func (s *Server) handleRenameSession(c *gin.Context) {
	s.objectCommand(c, commands.ActionRenameSession, map[string]interface{}{"id": c.Param("id")}, http.StatusOK)
}

func (s *Server) handleDeleteSession(c *gin.Context) {
	data, _ := json.Marshal(map[string]string{"id": c.Param("id")})
	s.execute(c, commands.ActionDeleteSession, data, http.StatusOK)
}

func (s *Server) handleSwitchSession(c *gin.Context) {
	data, _ := json.Marshal(map[string]string{"id": c.Param("id")})
	s.execute(c, commands.ActionSwitchSession, data, http.StatusOK)
}

func (s *Server) handleRefresh(c *gin.Context) {
	s.execute(c, commands.ActionForceRefresh, nil, http.StatusOK)
}

// handleExport serves the backup as a file download.
func (s *Server) handleExport(c *gin.Context) {
	resp, err := s.executor.Do(c.Request.Context(), commands.Command{Action: commands.ActionExportSessions})
	if err != nil {
		c.JSON(statusFor(err), commands.ErrorResponse(err))
		return
	}
	filename, _ := resp["filename"].(string)
	data, _ := resp["data"].(json.RawMessage)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.Data(http.StatusOK, "application/json", data)
}

// handleImport takes the backup file itself as the request body.
func (s *Server) handleImport(c *gin.Context) {
	body, ok := s.body(c)
	if !ok {
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		c.JSON(http.StatusBadRequest, commands.ErrorResponse(&errors.ErrUserInput{Field: "body", Reason: "backup file is required"}))
		return
	}
	data, err := json.Marshal(map[string]string{"data": string(body)})
	if err != nil {
		c.JSON(http.StatusInternalServerError, commands.ErrorResponse(err))
		return
	}
	s.execute(c, commands.ActionImportSessions, data, http.StatusOK)
}

func (s *Server) handleGetPending(c *gin.Context) {
	s.execute(c, commands.ActionGetPending, nil, http.StatusOK)
}

func (s *Server) handleSavePending(c *gin.Context) {
	s.objectCommand(c, commands.ActionSavePending, nil, http.StatusCreated)
}

func (s *Server) handleDiscardPending(c *gin.Context) {
	s.execute(c, commands.ActionDiscardPending, nil, http.StatusOK)
}

func (s *Server) handleBeginLogin(c *gin.Context) {
	s.execute(c, commands.ActionBeginLogin, nil, http.StatusOK)
}

func (s *Server) objectCommand(c *gin.Context, action string, extra map[string]interface{}, okStatus int) {
	body, ok := s.body(c)
	if !ok {
		return
	}
	data, err := objectWith(body, extra)
	if err != nil {
		c.JSON(statusFor(err), commands.ErrorResponse(err))
		return
	}
	s.execute(c, action, data, okStatus)
}
