package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"rollgroups/models"
	"rollgroups/service"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type decodedResponse struct {
	Success   bool              `json:"success"`
	Message   string            `json:"message"`
	Data      json.RawMessage   `json:"data"`
	ErrorCode string            `json:"error_code"`
	Errors    map[string]string `json:"errors"`
}

func newTestServer() (*Server, *service.MockGroupService, *service.MockRecomputeService) {
	groups := new(service.MockGroupService)
	recompute := new(service.MockRecomputeService)
	return NewServer(groups, recompute), groups, recompute
}

func doRequest(t *testing.T, s *Server, method, path string, body interface{}) (int, decodedResponse) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.App().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded decodedResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp.StatusCode, decoded
}

func validGroupBody() map[string]interface{} {
	return map[string]interface{}{
		"name":            "Frequently absent",
		"number_of_weeks": 2,
		"roll_states":     "absent",
		"incidents":       3,
		"ltmt":            ">",
	}
}

func TestListGroups(t *testing.T) {
	s, groups, _ := newTestServer()
	weeks, incidents := 2, 3
	groups.On("ListGroups", mock.Anything).Return([]*models.Group{
		{ID: 1, Name: "A", NumberOfWeeks: &weeks, RollStates: "late", Incidents: &incidents, Ltmt: "<"},
	}, nil)

	status, body := doRequest(t, s, http.MethodGet, "/groups", nil)

	assert.Equal(t, http.StatusOK, status)
	assert.True(t, body.Success)
	var got []models.Group
	require.NoError(t, json.Unmarshal(body.Data, &got))
	require.Len(t, got, 1)
	assert.Equal(t, "A", got[0].Name)
	groups.AssertExpectations(t)
}

func TestGetGroup(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		s, groups, _ := newTestServer()
		groups.On("GetGroup", mock.Anything, int64(7)).Return(&models.Group{ID: 7, Name: "G"}, nil)

		status, body := doRequest(t, s, http.MethodGet, "/groups/7", nil)

		assert.Equal(t, http.StatusOK, status)
		var got models.Group
		require.NoError(t, json.Unmarshal(body.Data, &got))
		assert.Equal(t, int64(7), got.ID)
	})

	t.Run("not found", func(t *testing.T) {
		s, groups, _ := newTestServer()
		groups.On("GetGroup", mock.Anything, int64(9)).Return(nil, service.ErrGroupNotFound)

		status, body := doRequest(t, s, http.MethodGet, "/groups/9", nil)

		assert.Equal(t, http.StatusNotFound, status)
		assert.False(t, body.Success)
		assert.Equal(t, ErrorCodeNotFound, body.ErrorCode)
	})

	t.Run("malformed id", func(t *testing.T) {
		s, groups, _ := newTestServer()

		status, body := doRequest(t, s, http.MethodGet, "/groups/abc", nil)

		assert.Equal(t, http.StatusBadRequest, status)
		assert.Equal(t, ErrorCodeValidation, body.ErrorCode)
		groups.AssertNotCalled(t, "GetGroup", mock.Anything, mock.Anything)
	})

	t.Run("repository failure is a 500", func(t *testing.T) {
		s, groups, _ := newTestServer()
		groups.On("GetGroup", mock.Anything, int64(3)).Return(nil, errors.New("connection reset"))

		status, body := doRequest(t, s, http.MethodGet, "/groups/3", nil)

		assert.Equal(t, http.StatusInternalServerError, status)
		assert.Equal(t, ErrorCodeInternal, body.ErrorCode)
		assert.NotContains(t, body.Message, "connection reset")
	})
}

func TestCreateGroup(t *testing.T) {
	t.Run("valid body", func(t *testing.T) {
		s, groups, _ := newTestServer()
		groups.On("CreateGroup", mock.Anything, &models.GroupInput{
			Name:          "Frequently absent",
			NumberOfWeeks: 2,
			RollStates:    "absent",
			Incidents:     3,
			Ltmt:          ">",
		}).Return(&models.Group{ID: 11, Name: "Frequently absent"}, nil)

		status, body := doRequest(t, s, http.MethodPost, "/groups", validGroupBody())

		assert.Equal(t, http.StatusCreated, status)
		assert.True(t, body.Success)
		groups.AssertExpectations(t)
	})

	t.Run("zero incidents is allowed", func(t *testing.T) {
		s, groups, _ := newTestServer()
		req := validGroupBody()
		req["incidents"] = 0
		groups.On("CreateGroup", mock.Anything, mock.MatchedBy(func(in *models.GroupInput) bool {
			return in.Incidents == 0
		})).Return(&models.Group{ID: 12}, nil)

		status, _ := doRequest(t, s, http.MethodPost, "/groups", req)

		assert.Equal(t, http.StatusCreated, status)
	})

	invalid := map[string]struct {
		field string
		edit  func(map[string]interface{})
	}{
		"missing name":        {"name", func(b map[string]interface{}) { delete(b, "name") }},
		"zero weeks":          {"number_of_weeks", func(b map[string]interface{}) { b["number_of_weeks"] = 0 }},
		"missing incidents":   {"incidents", func(b map[string]interface{}) { delete(b, "incidents") }},
		"negative incidents":  {"incidents", func(b map[string]interface{}) { b["incidents"] = -1 }},
		"unknown roll state":  {"roll_states", func(b map[string]interface{}) { b["roll_states"] = "sick" }},
		"unsupported operand": {"ltmt", func(b map[string]interface{}) { b["ltmt"] = ">=" }},
	}

	for name, tc := range invalid {
		t.Run(name, func(t *testing.T) {
			s, groups, _ := newTestServer()
			req := validGroupBody()
			tc.edit(req)

			status, body := doRequest(t, s, http.MethodPost, "/groups", req)

			assert.Equal(t, http.StatusBadRequest, status)
			assert.Equal(t, ErrorCodeValidation, body.ErrorCode)
			assert.Contains(t, body.Errors, tc.field)
			groups.AssertNotCalled(t, "CreateGroup", mock.Anything, mock.Anything)
		})
	}

	t.Run("service rejects configuration", func(t *testing.T) {
		s, groups, _ := newTestServer()
		groups.On("CreateGroup", mock.Anything, mock.Anything).
			Return(nil, service.ErrInvalidGroupConfiguration)

		status, body := doRequest(t, s, http.MethodPost, "/groups", validGroupBody())

		assert.Equal(t, http.StatusBadRequest, status)
		assert.Equal(t, ErrorCodeValidation, body.ErrorCode)
	})
}

func TestUpdateGroup(t *testing.T) {
	t.Run("updates", func(t *testing.T) {
		s, groups, _ := newTestServer()
		groups.On("UpdateGroup", mock.Anything, int64(4), mock.AnythingOfType("*models.GroupInput")).
			Return(&models.Group{ID: 4, Name: "Frequently absent"}, nil)

		status, body := doRequest(t, s, http.MethodPut, "/groups/4", validGroupBody())

		assert.Equal(t, http.StatusOK, status)
		assert.True(t, body.Success)
	})

	t.Run("unknown group", func(t *testing.T) {
		s, groups, _ := newTestServer()
		groups.On("UpdateGroup", mock.Anything, int64(4), mock.Anything).Return(nil, service.ErrGroupNotFound)

		status, _ := doRequest(t, s, http.MethodPut, "/groups/4", validGroupBody())

		assert.Equal(t, http.StatusNotFound, status)
	})
}

func TestDeleteGroup(t *testing.T) {
	s, groups, _ := newTestServer()
	groups.On("DeleteGroup", mock.Anything, int64(5)).Return(nil)
	groups.On("DeleteGroup", mock.Anything, int64(6)).Return(service.ErrGroupNotFound)

	status, body := doRequest(t, s, http.MethodDelete, "/groups/5", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body.Message, "5")

	status, _ = doRequest(t, s, http.MethodDelete, "/groups/6", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestGetGroupStudents(t *testing.T) {
	s, groups, _ := newTestServer()
	groups.On("GetGroupStudents", mock.Anything, int64(2)).Return([]*models.GroupStudent{
		{ID: 1, FirstName: "Ada", LastName: "Lovelace", FullName: "Ada Lovelace", IncidentCount: 4},
	}, nil)

	status, body := doRequest(t, s, http.MethodGet, "/groups/2/students", nil)

	assert.Equal(t, http.StatusOK, status)
	var got []models.GroupStudent
	require.NoError(t, json.Unmarshal(body.Data, &got))
	require.Len(t, got, 1)
	assert.Equal(t, "Ada Lovelace", got[0].FullName)
	assert.Equal(t, 4, got[0].IncidentCount)
}

func TestRunGroupFilters(t *testing.T) {
	result := &models.RecomputeResult{
		RunID: uuid.New(),
		State: models.RecomputeStateCompleted,
		Completed: []models.GroupOutcome{
			{GroupID: 1, Name: "A", StudentCount: 2},
		},
	}

	t.Run("completed", func(t *testing.T) {
		s, _, recompute := newTestServer()
		recompute.On("RunOnce", mock.Anything).Return(result, nil)

		status, body := doRequest(t, s, http.MethodPost, "/groups/run-filters", nil)

		assert.Equal(t, http.StatusOK, status)
		var got models.RecomputeResult
		require.NoError(t, json.Unmarshal(body.Data, &got))
		assert.Equal(t, result.RunID, got.RunID)
		assert.Len(t, got.Completed, 1)
	})

	t.Run("pass already running", func(t *testing.T) {
		s, _, recompute := newTestServer()
		recompute.On("RunOnce", mock.Anything).Return(nil, service.ErrPassInProgress)

		status, body := doRequest(t, s, http.MethodPost, "/groups/run-filters", nil)

		assert.Equal(t, http.StatusConflict, status)
		assert.Equal(t, ErrorCodePassInProgress, body.ErrorCode)
	})

	t.Run("pass fatal still returns the result", func(t *testing.T) {
		s, _, recompute := newTestServer()
		failed := &models.RecomputeResult{RunID: uuid.New(), State: models.RecomputeStateFailed, FatalError: "boom"}
		recompute.On("RunOnce", mock.Anything).Return(failed, &service.PassError{
			Stage: models.RecomputeStateClearing,
			Err:   errors.New("boom"),
		})

		status, body := doRequest(t, s, http.MethodPost, "/groups/run-filters", nil)

		assert.Equal(t, http.StatusInternalServerError, status)
		assert.Equal(t, ErrorCodePassFailed, body.ErrorCode)
		var got models.RecomputeResult
		require.NoError(t, json.Unmarshal(body.Data, &got))
		assert.Equal(t, models.RecomputeStateFailed, got.State)
	})
}

func TestLatestRun(t *testing.T) {
	t.Run("none recorded", func(t *testing.T) {
		s, _, recompute := newTestServer()
		recompute.On("LatestRun", mock.Anything).Return(nil, nil)

		status, _ := doRequest(t, s, http.MethodGet, "/groups/runs/latest", nil)

		assert.Equal(t, http.StatusNotFound, status)
	})

	t.Run("recorded", func(t *testing.T) {
		s, _, recompute := newTestServer()
		run := &models.RecomputeRun{
			ID:              uuid.New(),
			State:           models.RecomputeStateCompleted,
			StartedAt:       time.Date(2024, 3, 20, 12, 0, 0, 0, time.UTC),
			CompletedGroups: 3,
		}
		recompute.On("LatestRun", mock.Anything).Return(run, nil)

		status, body := doRequest(t, s, http.MethodGet, "/groups/runs/latest", nil)

		assert.Equal(t, http.StatusOK, status)
		var got models.RecomputeRun
		require.NoError(t, json.Unmarshal(body.Data, &got))
		assert.Equal(t, run.ID, got.ID)
		assert.Equal(t, 3, got.CompletedGroups)
	})
}
