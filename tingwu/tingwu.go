// Package tingwu drives Alibaba Cloud Tingwu offline transcription tasks.
package tingwu

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"mediascribe/config"
	"mediascribe/remote"
	"mediascribe/task"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

const (
	tasksPath = "/openapi/tingwu/v2/tasks"
	taskType  = "offline"
)

var (
	succeededStatuses = []string{"SUCCEEDED", "SUCCESS", "COMPLETED", "FINISHED"}
	failedStatuses    = []string{"FAILED", "ERROR", "CANCELED", "CANCELLED"}

	textKeys = []string{"Text", "Content", "SentenceText", "DisplayText", "Summary", "Transcript", "Transcription"}
)

// Options are the caller-controlled parts of a task.
type Options struct {
	SourceLanguage string
	TargetLanguage string
	// Mode "summary" or "clip" enables summarization.
	Mode string
}

// Client creates tingwu jobs.
type Client struct {
	cfg          *config.Config
	log          *zap.Logger
	now          func() time.Time
	newTransport func(cfg *config.Config, id, secret string) (Transport, error)
}

func NewClient(cfg *config.Config, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		cfg: cfg,
		log: log,
		now: time.Now,
		newTransport: func(cfg *config.Config, id, secret string) (Transport, error) {
			return NewSDKTransport(cfg.TingwuRegion, cfg.TingwuEndpoint, id, secret)
		},
	}
}

// WithTransport makes every job use tr.
func (c *Client) WithTransport(tr Transport) *Client {
	c.newTransport = func(*config.Config, string, string) (Transport, error) { return tr, nil }
	return c
}

// Check fails with a configuration error when credentials are missing.
func (c *Client) Check() error {
	_, _, _, err := c.credentials()
	return err
}

func (c *Client) credentials() (id, secret, appKey string, err error) {
	if id, err = config.Required(c.cfg.TingwuAccessKeyID, "TINGWU_ACCESS_KEY_ID"); err != nil {
		return "", "", "", task.Wrap(task.KindConfiguration, err, "tingwu")
	}
	if secret, err = config.Required(c.cfg.TingwuAccessKeySecret, "TINGWU_ACCESS_KEY_SECRET"); err != nil {
		return "", "", "", task.Wrap(task.KindConfiguration, err, "tingwu")
	}
	if appKey, err = config.Required(c.cfg.TingwuAppKey, "TINGWU_APP_KEY"); err != nil {
		return "", "", "", task.Wrap(task.KindConfiguration, err, "tingwu")
	}
	return id, secret, appKey, nil
}

// Job returns the remote job transcribing fileURL.
func (c *Client) Job(fileURL string, opts Options) (remote.Vendor, error) {
	id, secret, appKey, err := c.credentials()
	if err != nil {
		return nil, err
	}
	tr, err := c.newTransport(c.cfg, id, secret)
	if err != nil {
		return nil, err
	}
	return &job{
		tr:      tr,
		log:     c.log,
		payload: buildPayload(appKey, fileURL, opts, c.now()),
	}, nil
}

func buildPayload(appKey, fileURL string, opts Options, now time.Time) map[string]any {
	source := lo.CoalesceOrEmpty(strings.TrimSpace(opts.SourceLanguage), "cn")
	target := lo.CoalesceOrEmpty(strings.TrimSpace(opts.TargetLanguage), "en")

	params := map[string]any{
		"Transcription": map[string]any{
			"DiarizationEnabled": true,
			"Diarization":        map[string]any{"SpeakerCount": 2},
		},
		"TranslationEnabled":       true,
		"Translation":              map[string]any{"TargetLanguages": []string{target}},
		"LlmOutputLanguage":        target,
		"MeetingAssistanceEnabled": true,
		"MeetingAssistance":        map[string]any{"Types": []string{"Actions", "KeyInformation"}},
		"AutoChaptersEnabled":      true,
		"TextPolishEnabled":        true,
	}
	if mode := strings.TrimSpace(opts.Mode); mode == "summary" || mode == "clip" {
		params["SummarizationEnabled"] = true
		params["Summarization"] = map[string]any{
			"Types": []string{"Paragraph", "Conversational", "QuestionsAnswering", "MindMap"},
		}
	}
	return map[string]any{
		"AppKey": appKey,
		"Input": map[string]any{
			"SourceLanguage": source,
			"TaskKey":        "task" + now.Format("20060102150405"),
			"FileUrl":        fileURL,
		},
		"Parameters": params,
	}
}

type job struct {
	tr      Transport
	log     *zap.Logger
	payload map[string]any
}

func (j *job) Name() string { return "tingwu" }

func (j *job) Submit(ctx context.Context) (string, error) {
	body, err := json.Marshal(j.payload)
	if err != nil {
		return "", task.Wrap(task.KindInternal, err, "encode tingwu payload")
	}
	raw, err := j.tr.Do(ctx, http.MethodPut, tasksPath, map[string]string{"type": taskType}, body)
	if err != nil {
		return "", err
	}
	result, err := decode(raw)
	if err != nil {
		return "", err
	}
	id := pick(result, []string{"Data", "TaskId"}, []string{"Data", "TaskID"}, []string{"TaskId"}, []string{"TaskID"})
	if id == nil || fmt.Sprint(id) == "" {
		return "", task.Errorf(task.KindVendorRejection, "tingwu task created but no TaskId was returned")
	}
	return fmt.Sprint(id), nil
}

func (j *job) Poll(ctx context.Context, remoteID string) (remote.Status, error) {
	raw, err := j.tr.Do(ctx, http.MethodGet, tasksPath+"/"+remoteID, map[string]string{"type": taskType}, nil)
	if err != nil {
		return remote.Status{}, err
	}
	result, err := decode(raw)
	if err != nil {
		return remote.Status{}, err
	}

	status := Status(result)
	j.log.Debug("tingwu task polled", zap.String("remote_id", remoteID), zap.String("status", status))
	st := remote.Status{Code: status}
	switch {
	case lo.Contains(succeededStatuses, status):
		st.State = remote.Succeeded
		body := pick(result, []string{"Data", "Result"}, []string{"Result"}, []string{"Data"})
		if body == nil {
			body = result
		}
		st.Text = FindText(body)
	case lo.Contains(failedStatuses, status):
		st.State = remote.Failed
		st.Message = fmt.Sprintf("tingwu task failed, TaskId=%s, response: %s", remoteID, raw)
	default:
		st.State = remote.InProgress
	}
	return st, nil
}

func decode(raw []byte) (map[string]any, error) {
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, task.Wrap(task.KindVendorRejection, err, "tingwu returned malformed response")
	}
	return out, nil
}

// pick returns the value at the first path that exists.
func pick(data any, paths ...[]string) any {
	for _, p := range paths {
		cur, found := data, true
		for _, key := range p {
			m, ok := cur.(map[string]any)
			if !ok {
				found = false
				break
			}
			if cur, ok = m[key]; !ok {
				found = false
				break
			}
		}
		if found {
			return cur
		}
	}
	return nil
}

// Status extracts the upper-cased task status from a task result.
func Status(result map[string]any) string {
	v := pick(result, []string{"Data", "Status"}, []string{"Data", "TaskStatus"}, []string{"Status"}, []string{"TaskStatus"})
	if v == nil {
		return ""
	}
	return strings.ToUpper(fmt.Sprint(v))
}

// FindText extracts the most relevant text from a decoded result: known
// text keys win, otherwise the longest text found anywhere below.
func FindText(data any) string {
	switch v := data.(type) {
	case string:
		return strings.TrimSpace(v)
	case []any:
		parts := lo.FilterMap(v, func(item any, _ int) (string, bool) {
			s := FindText(item)
			return s, s != ""
		})
		return strings.TrimSpace(strings.Join(parts, "\n"))
	case map[string]any:
		for _, key := range textKeys {
			if child, ok := v[key]; ok {
				if s := FindText(child); s != "" {
					return s
				}
			}
		}
		keys := lo.Keys(v)
		sort.Strings(keys)
		var best string
		for _, k := range keys {
			if s := FindText(v[k]); len(s) > len(best) {
				best = s
			}
		}
		return best
	default:
		return ""
	}
}
