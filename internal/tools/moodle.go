package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/lamb-project/completion-gateway/internal/providers"
)

// defaultAssignmentFanOut bounds how many per-assignment submission-status
// calls run concurrently against the Moodle web service, matching the
// original tool's default of 8 concurrent requests.
const defaultAssignmentFanOut = 8

// MoodleCoursesSpec is the JSON-schema spec for get_moodle_courses.
var MoodleCoursesSpec = providers.ToolSpec{
	Name:        "get_moodle_courses",
	Description: "Get the list of courses a user is enrolled in from Moodle LMS",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"user_id": map[string]any{
				"type":        "string",
				"description": "The Moodle user identifier (username or ID)",
			},
		},
		"required": []string{"user_id"},
	},
}

// MoodleAssignmentsStatusSpec is the JSON-schema spec for
// get_moodle_assignments_status.
var MoodleAssignmentsStatusSpec = providers.ToolSpec{
	Name:        "get_moodle_assignments_status",
	Description: "Get Moodle assignment completion and due status for a user (completed, due, missed)",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"user_id":     map[string]any{"type": "string", "description": "The Moodle user identifier (numeric ID)"},
			"days_past":   map[string]any{"type": "integer", "description": "How many days back to look for recently-due assignments (default 30)", "minimum": 0},
			"days_future": map[string]any{"type": "integer", "description": "How many days ahead to look for upcoming assignments (default 30)", "minimum": 0},
			"limit":       map[string]any{"type": "integer", "description": "Maximum number of assignments to check submission status for (default 40)", "minimum": 1},
		},
		"required": []string{"user_id"},
	},
}

// MoodleClient wraps a single Moodle site's web-service REST endpoint.
type MoodleClient struct {
	wsURL   string
	token   string
	http    *http.Client
	fanOut  int64
}

// NewMoodleClient builds a client for moodleURL (either the site root or
// the full webservice/rest/server.php path) authenticated with token.
func NewMoodleClient(moodleURL, token string) *MoodleClient {
	wsURL := moodleURL
	if !strings.Contains(wsURL, "server.php") {
		wsURL = strings.TrimRight(wsURL, "/") + "/webservice/rest/server.php"
	}
	return &MoodleClient{
		wsURL:  wsURL,
		token:  token,
		http:   &http.Client{Timeout: 15 * time.Second},
		fanOut: defaultAssignmentFanOut,
	}
}

func (c *MoodleClient) call(ctx context.Context, wsFunction string, extra url.Values, out any) error {
	q := url.Values{
		"wstoken":           {c.token},
		"wsfunction":        {wsFunction},
		"moodlewsrestformat": {"json"},
	}
	for k, vs := range extra {
		q[k] = vs
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.wsURL+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("moodle: request failed: %w", err)
	}
	defer resp.Body.Close()

	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return fmt.Errorf("moodle: decode: %w", err)
	}

	var exc struct {
		Exception string `json:"exception"`
		Message   string `json:"message"`
		ErrorCode string `json:"errorcode"`
	}
	if json.Unmarshal(raw, &exc) == nil && exc.Exception != "" {
		msg := exc.Message
		if msg == "" {
			msg = exc.ErrorCode
		}
		return fmt.Errorf("moodle: %s", msg)
	}

	return json.Unmarshal(raw, out)
}

type moodleCourse struct {
	ID       int    `json:"id"`
	FullName string `json:"fullname"`
}

type coursesArgs struct {
	UserID string `json:"user_id"`
}

// NewCoursesTool builds the get_moodle_courses Tool.
func NewCoursesTool(client *MoodleClient) Tool {
	return Tool{
		Spec: MoodleCoursesSpec,
		Handler: func(ctx context.Context, rawArgs string) (string, error) {
			var args coursesArgs
			if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
				return "", fmt.Errorf("moodle: invalid arguments: %w", err)
			}

			var courses []moodleCourse
			err := client.call(ctx, "core_enrol_get_users_courses", url.Values{"userid": {args.UserID}}, &courses)
			if err != nil {
				return "", err
			}

			out, _ := json.Marshal(courses)
			return string(out), nil
		},
	}
}

type assignmentsArgs struct {
	UserID     string `json:"user_id"`
	DaysPast   int    `json:"days_past"`
	DaysFuture int    `json:"days_future"`
	Limit      int    `json:"limit"`
}

type assignmentCourse struct {
	Assignments []struct {
		ID     int    `json:"id"`
		Name   string `json:"name"`
		DueDate int64 `json:"duedate"`
	} `json:"assignments"`
}

type assignmentsByCourse struct {
	Courses []assignmentCourse `json:"courses"`
}

type assignmentStatus struct {
	AssignmentID int    `json:"assignment_id"`
	Name         string `json:"name"`
	DueDate      int64  `json:"due_date"`
	Submitted    bool   `json:"submitted"`
	Status       string `json:"status"` // completed | due | missed
}

// NewAssignmentsStatusTool builds the get_moodle_assignments_status Tool.
// Per-assignment submission-status lookups run concurrently, bounded by
// client.fanOut (default 8), mirroring the original tool's asyncio
// gather-with-semaphore fan-out.
func NewAssignmentsStatusTool(client *MoodleClient) Tool {
	return Tool{
		Spec: MoodleAssignmentsStatusSpec,
		Handler: func(ctx context.Context, rawArgs string) (string, error) {
			args := assignmentsArgs{DaysPast: 30, DaysFuture: 30, Limit: 40}
			if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
				return "", fmt.Errorf("moodle: invalid arguments: %w", err)
			}
			if args.Limit <= 0 {
				args.Limit = 40
			}

			var courses []moodleCourse
			if err := client.call(ctx, "core_enrol_get_users_courses", url.Values{"userid": {args.UserID}}, &courses); err != nil {
				return "", err
			}
			if len(courses) == 0 {
				return "[]", nil
			}

			courseIDs := make([]string, len(courses))
			for i, c := range courses {
				courseIDs[i] = strconv.Itoa(c.ID)
			}
			q := url.Values{}
			for i, id := range courseIDs {
				q.Add(fmt.Sprintf("courseids[%d]", i), id)
			}
			var byCourse assignmentsByCourse
			if err := client.call(ctx, "mod_assign_get_assignments", q, &byCourse); err != nil {
				return "", err
			}

			type flatAssignment struct {
				id, dueDate int64
				name        string
			}
			var flat []flatAssignment
			for _, course := range byCourse.Courses {
				for _, a := range course.Assignments {
					flat = append(flat, flatAssignment{id: int64(a.ID), dueDate: a.DueDate, name: a.Name})
					if len(flat) >= args.Limit {
						break
					}
				}
				if len(flat) >= args.Limit {
					break
				}
			}

			sem := semaphore.NewWeighted(client.fanOut)
			results := make([]assignmentStatus, len(flat))
			errs := make([]error, len(flat))

			done := make(chan int, len(flat))
			for i, a := range flat {
				go func(i int, a flatAssignment) {
					if err := sem.Acquire(ctx, 1); err != nil {
						errs[i] = err
						done <- i
						return
					}
					defer sem.Release(1)

					var submissions struct {
						Assignments []struct {
							Submissions []struct {
								Status string `json:"status"`
							} `json:"submissions"`
						} `json:"assignments"`
					}
					q := url.Values{}
					q.Add("assignmentids[0]", strconv.FormatInt(a.id, 10))
					err := client.call(ctx, "mod_assign_get_submissions", q, &submissions)

					status := "due"
					submitted := false
					now := time.Now().Unix()
					if err == nil && len(submissions.Assignments) > 0 && len(submissions.Assignments[0].Submissions) > 0 {
						submitted = submissions.Assignments[0].Submissions[0].Status == "submitted"
					}
					if submitted {
						status = "completed"
					} else if a.dueDate > 0 && a.dueDate < now {
						status = "missed"
					}

					results[i] = assignmentStatus{
						AssignmentID: int(a.id),
						Name:         a.name,
						DueDate:      a.dueDate,
						Submitted:    submitted,
						Status:       status,
					}
					done <- i
				}(i, a)
			}
			for range flat {
				<-done
			}

			buckets := struct {
				Completed []assignmentStatus `json:"completed"`
				Due       []assignmentStatus `json:"due"`
				Missed    []assignmentStatus `json:"missed"`
			}{}
			for _, r := range results {
				switch r.Status {
				case "completed":
					buckets.Completed = append(buckets.Completed, r)
				case "missed":
					buckets.Missed = append(buckets.Missed, r)
				default:
					buckets.Due = append(buckets.Due, r)
				}
			}

			out, _ := json.Marshal(buckets)
			return string(out), nil
		},
	}
}
