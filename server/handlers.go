package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/paulhankin/grblplot/grbl"
	"github.com/paulhankin/grblplot/paths"
)

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.opt.Version,
		"device":  s.jobs.Device().Holder(),
	})
}

// upload reads the "file" and "page_size" fields of a multipart form.
func (s *Server) upload(c echo.Context) (name string, src []byte, page string, err error) {
	fh, err := c.FormFile("file")
	if err != nil {
		return "", nil, "", NewValidationError("file", err)
	}
	f, err := fh.Open()
	if err != nil {
		return "", nil, "", NewBadRequestError("can't read upload", err)
	}
	defer f.Close()
	src, err = io.ReadAll(f)
	if err != nil {
		return "", nil, "", NewBadRequestError("can't read upload", err)
	}
	if len(bytes.TrimSpace(src)) == 0 {
		return "", nil, "", NewValidationError("file", errors.New("empty file"))
	}
	page = strings.TrimSpace(c.FormValue("page_size"))
	if page == "" {
		page = s.opt.DefaultPage
	}
	return fh.Filename, src, page, nil
}

func (s *Server) handleSubmit(c echo.Context) error {
	name, src, page, err := s.upload(c)
	if err != nil {
		return err
	}
	id, err := s.jobs.Submit(name, src, page)
	if err != nil {
		return err
	}
	snap, _ := s.jobs.Status(id)
	return c.JSON(http.StatusAccepted, snap)
}

// handleCompile returns the G-code for an upload without plotting it.
func (s *Server) handleCompile(c echo.Context) error {
	name, src, page, err := s.upload(c)
	if err != nil {
		return err
	}
	compiled, err := s.jobs.Compile(name, src, page)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if _, err := compiled.Program.WriteTo(&buf); err != nil {
		return err
	}
	h := c.Response().Header()
	h.Set("X-Estimated-Seconds", fmt.Sprintf("%.1f", compiled.Estimate.Duration.Seconds()))
	h.Set("X-Line-Count", fmt.Sprint(len(compiled.Program)))
	return c.Blob(http.StatusOK, "text/x-gcode; charset=utf-8", buf.Bytes())
}

func (s *Server) handleList(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"jobs": s.jobs.List()})
}

func (s *Server) handleGet(c echo.Context) error {
	id := c.Param("id")
	snap, ok := s.jobs.Status(id)
	if !ok {
		return NewNotFoundError("job", id)
	}
	return c.JSON(http.StatusOK, snap)
}

// control runs an action on a job and answers with its new state.
func (s *Server) control(c echo.Context, action func(string) error) error {
	id := c.Param("id")
	if err := action(id); err != nil {
		return err
	}
	snap, _ := s.jobs.Status(id)
	return c.JSON(http.StatusOK, snap)
}

func (s *Server) handleCancel(c echo.Context) error { return s.control(c, s.jobs.Cancel) }
func (s *Server) handlePause(c echo.Context) error  { return s.control(c, s.jobs.Pause) }
func (s *Server) handleResume(c echo.Context) error { return s.control(c, s.jobs.Resume) }

func (s *Server) handleClear(c echo.Context) error {
	if err := s.jobs.Clear(c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

type commandRequest struct {
	Command string `json:"command"`
}

type deviceStatus struct {
	State    string      `json:"state"`
	Position *paths.Vec2 `json:"position,omitempty"`
	Feed     float64     `json:"feed"`
}

type commandResponse struct {
	Command string        `json:"command"`
	Replies []string      `json:"replies"`
	Status  *deviceStatus `json:"status,omitempty"`
}

// handleCommand sends one line to the device while no job is running.
// Realtime commands such as "?" and "!" are sent as single bytes.
func (s *Server) handleCommand(c echo.Context) error {
	var req commandRequest
	if err := c.Bind(&req); err != nil {
		return NewBadRequestError("invalid request body", err)
	}
	line := strings.TrimSpace(req.Command)
	if line == "" {
		return NewValidationError("command", nil)
	}
	resp := commandResponse{Command: line, Replies: []string{}}
	err := s.jobs.WithSession(c.Request().Context(), func(sess *grbl.Session) error {
		if b, ok := grbl.RealtimeByte(line); ok {
			if b != grbl.StatusQuery {
				return sess.Realtime(b)
			}
			st, err := sess.Status()
			if err != nil {
				return err
			}
			resp.Status = &deviceStatus{State: st.State, Feed: st.Feed}
			if pos, ok := st.Work(); ok {
				resp.Status.Position = &pos
			}
			return nil
		}
		replies, err := sess.SendCommand(line)
		resp.Replies = append(resp.Replies, replies...)
		return err
	})
	if err != nil {
		s.log.Warn("command %q: %v", line, err)
		return err
	}
	return c.JSON(http.StatusOK, resp)
}
