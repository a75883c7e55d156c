package tasks

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"
)

const defaultBaseURL = "https://cloudtasks.googleapis.com/v2"

// Client schedules deferred HTTP callbacks through the Cloud Tasks REST API:
// "run this POST against our own webhook at time T". Tasks are delivered
// at-least-once and are never cancelled or updated once created; the callback
// itself re-validates state and no-ops when it no longer applies.
type Client struct {
	queuePath    string // projects/<p>/locations/<l>/queues/<q>
	apiToken     string // OAuth bearer for the Cloud Tasks API
	targetSecret string // shared secret carried to our own callback endpoint
	baseURL      string
	client       *http.Client
}

func NewClient() *Client {
	return &Client{
		queuePath:    os.Getenv("CLOUD_TASKS_QUEUE_PATH"),
		apiToken:     os.Getenv("CLOUD_TASKS_API_TOKEN"),
		targetSecret: os.Getenv("CLOUD_TASKS_SECRET"),
		baseURL:      defaultBaseURL,
		client:       &http.Client{Timeout: 10 * time.Second},
	}
}

// NewClientWithBaseURL points the client at a different API host. Used by
// tests to target a stub server.
func NewClientWithBaseURL(queuePath, apiToken, targetSecret, baseURL string) *Client {
	return &Client{
		queuePath:    queuePath,
		apiToken:     apiToken,
		targetSecret: targetSecret,
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       &http.Client{Timeout: 10 * time.Second},
	}
}

type createTaskRequest struct {
	Task task `json:"task"`
}

type task struct {
	HTTPRequest  httpRequest `json:"httpRequest"`
	ScheduleTime string      `json:"scheduleTime"` // RFC3339 timestamp
}

type httpRequest struct {
	HTTPMethod string            `json:"httpMethod"`
	URL        string            `json:"url"`
	Body       string            `json:"body"` // base64 of the JSON payload
	Headers    map[string]string `json:"headers"`
}

// CreateTask enqueues a POST of payload against targetURL at scheduleAt. The
// callback is authenticated by the shared-secret bearer header the queue
// forwards verbatim.
func (c *Client) CreateTask(ctx context.Context, targetURL string, payload interface{}, scheduleAt time.Time) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("error encoding task payload: %w", err)
	}

	reqBody := createTaskRequest{
		Task: task{
			HTTPRequest: httpRequest{
				HTTPMethod: http.MethodPost,
				URL:        targetURL,
				Body:       base64.StdEncoding.EncodeToString(body),
				Headers: map[string]string{
					"Content-Type":  "application/json",
					"Authorization": "Bearer " + c.targetSecret,
				},
			},
			ScheduleTime: scheduleAt.UTC().Format(time.RFC3339),
		},
	}

	data, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("error encoding task request: %w", err)
	}

	url := fmt.Sprintf("%s/%s/tasks", c.baseURL, c.queuePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("scheduler request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("scheduler: unexpected status %d creating task", resp.StatusCode)
	}
	return nil
}
