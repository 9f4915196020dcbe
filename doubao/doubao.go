// Package doubao talks to the Volcengine big-model file recognition API.
package doubao

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"mediascribe/config"
	"mediascribe/remote"
	"mediascribe/task"

	"github.com/lithammer/shortuuid/v4"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

const (
	StatusOK         = "20000000"
	StatusProcessing = "20000001"
	StatusQueued     = "20000002"
	StatusSilent     = "20000003"
	StatusBadURI     = "45000006"

	headerStatus  = "X-Api-Status-Code"
	headerMessage = "X-Api-Message"

	requestTimeout = 60 * time.Second
)

var languages = map[string]string{
	"zh":    "zh-CN",
	"zh-cn": "zh-CN",
	"en":    "en-US",
	"ja":    "ja-JP",
	"id":    "id-ID",
	"es":    "es-MX",
	"pt":    "pt-BR",
	"de":    "de-DE",
	"fr":    "fr-FR",
	"ko":    "ko-KR",
	"fil":   "fil-PH",
	"ms":    "ms-MY",
	"th":    "th-TH",
	"ar":    "ar-SA",
}

// Language maps a source language code to the vendor's locale. Empty,
// "auto" and unknown codes let the vendor detect the language.
func Language(source string) string {
	return lo.ValueOr(languages, strings.ToLower(strings.TrimSpace(source)), "")
}

// AudioFormat returns the vendor format for a file name or URL path.
func AudioFormat(name string) string {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(name), "."))
	if lo.Contains([]string{"wav", "mp3", "ogg", "raw"}, ext) {
		return ext
	}
	return "wav"
}

// FriendlyError explains a rejection code to the caller.
func FriendlyError(code, message string) string {
	if code == StatusBadURI {
		return "doubao could not download the audio (Invalid audio URI): the link is not publicly reachable " +
			"or has expired. Use a stable, anonymously accessible direct audio link (wav/mp3/ogg) " +
			"that needs no special request headers."
	}
	base := "doubao recognition failed: " + code
	if message != "" {
		return base + " " + message
	}
	return base
}

type credentials struct {
	apiKey     string
	appKey     string
	accessKey  string
	resourceID string
}

// Client builds recognition jobs. Two auth schemes are accepted: a single
// API key, or an app key plus access key.
type Client struct {
	cfg       *config.Config
	http      *http.Client
	log       *zap.Logger
	requestID func() string
}

func NewClient(cfg *config.Config, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		cfg:       cfg,
		http:      &http.Client{Timeout: requestTimeout},
		log:       log,
		requestID: shortuuid.New,
	}
}

// WithHTTPClient replaces the HTTP client.
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	c.http = h
	return c
}

// Check fails with a configuration error when credentials are missing.
func (c *Client) Check() error {
	_, err := c.credentials()
	return err
}

func (c *Client) credentials() (credentials, error) {
	creds := credentials{
		apiKey:    config.Optional(c.cfg.DoubaoAPIKey),
		appKey:    config.Optional(c.cfg.DoubaoAppKey),
		accessKey: config.Optional(c.cfg.DoubaoAccessKey),
	}
	var err error
	if creds.apiKey != "" {
		creds.accessKey = creds.apiKey
	}
	if creds.accessKey == "" {
		if creds.accessKey, err = config.Required(c.cfg.DoubaoAccessKey, "DOUBAO_ACCESS_KEY or DOUBAO_API_KEY"); err != nil {
			return creds, task.Wrap(task.KindConfiguration, err, "doubao")
		}
	}
	if creds.appKey == "" && creds.apiKey == "" {
		if creds.appKey, err = config.Required(c.cfg.DoubaoAppKey, "DOUBAO_APP_KEY (or set DOUBAO_API_KEY)"); err != nil {
			return creds, task.Wrap(task.KindConfiguration, err, "doubao")
		}
	}
	if creds.resourceID, err = config.Required(c.cfg.DoubaoResourceID, "DOUBAO_RESOURCE_ID"); err != nil {
		return creds, task.Wrap(task.KindConfiguration, err, "doubao")
	}
	return creds, nil
}

// Request describes one recognition job.
type Request struct {
	AudioURL string
	Format   string
	Language string
	UID      string
}

// Job returns the remote job for req.
func (c *Client) Job(req Request) (remote.Vendor, error) {
	creds, err := c.credentials()
	if err != nil {
		return nil, err
	}
	if req.Format == "" {
		req.Format = "wav"
	}
	return &job{c: c, creds: creds, req: req, requestID: c.requestID()}, nil
}

type job struct {
	c         *Client
	creds     credentials
	req       Request
	requestID string
}

func (j *job) Name() string { return "doubao" }

type submitPayload struct {
	User struct {
		UID string `json:"uid"`
	} `json:"user"`
	Audio struct {
		URL      string `json:"url"`
		Format   string `json:"format"`
		Rate     int    `json:"rate"`
		Bits     int    `json:"bits"`
		Channel  int    `json:"channel"`
		Language string `json:"language,omitempty"`
	} `json:"audio"`
	Request struct {
		ModelName      string `json:"model_name"`
		EnableITN      bool   `json:"enable_itn"`
		EnablePunc     bool   `json:"enable_punc"`
		ShowUtterances bool   `json:"show_utterances"`
	} `json:"request"`
}

func (j *job) payload() submitPayload {
	var p submitPayload
	p.User.UID = j.req.UID
	p.Audio.URL = j.req.AudioURL
	p.Audio.Format = j.req.Format
	p.Audio.Rate, p.Audio.Bits, p.Audio.Channel = 16000, 16, 1
	p.Audio.Language = j.req.Language
	p.Request.ModelName = "bigmodel"
	p.Request.EnableITN = true
	p.Request.EnablePunc = true
	p.Request.ShowUtterances = true
	return p
}

func (j *job) headers(h http.Header, submit bool) {
	h.Set("Content-Type", "application/json")
	h.Set("X-Api-Access-Key", j.creds.accessKey)
	h.Set("X-Api-Resource-Id", j.creds.resourceID)
	h.Set("X-Api-Request-Id", j.requestID)
	if submit {
		h.Set("X-Api-Sequence", "-1")
	}
	if j.creds.appKey != "" {
		h.Set("X-Api-App-Key", j.creds.appKey)
	}
	if j.creds.apiKey != "" {
		h.Set("Authorization", "Bearer "+j.creds.apiKey)
	}
}

func (j *job) do(ctx context.Context, url string, body []byte, submit bool) (code, message string, respBody []byte, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", "", nil, task.Wrap(task.KindConfiguration, err, "doubao request")
	}
	j.headers(req.Header, submit)

	resp, err := j.c.http.Do(req)
	if err != nil {
		return "", "", nil, task.Wrap(task.KindTransientNetwork, err, "doubao request failed")
	}
	defer resp.Body.Close()

	respBody, err = io.ReadAll(resp.Body)
	if err != nil {
		return "", "", nil, task.Wrap(task.KindTransientNetwork, err, "doubao response read failed")
	}
	code = strings.TrimSpace(resp.Header.Get(headerStatus))
	message = strings.TrimSpace(resp.Header.Get(headerMessage))
	return code, message, respBody, nil
}

// Submit posts the job. The request id doubles as the remote task id.
func (j *job) Submit(ctx context.Context) (string, error) {
	body, err := json.Marshal(j.payload())
	if err != nil {
		return "", task.Wrap(task.KindInternal, err, "encode doubao payload")
	}
	code, message, _, err := j.do(ctx, j.c.cfg.DoubaoSubmitURL, body, true)
	if err != nil {
		return "", err
	}
	if code != StatusOK {
		j.c.log.Warn("doubao submit rejected", zap.String("status_code", code), zap.String("message", message))
		return "", task.Errorf(task.KindVendorRejection, "%s", FriendlyError(code, message))
	}
	return j.requestID, nil
}

type queryResult struct {
	Result struct {
		Text string `json:"text"`
	} `json:"result"`
}

func (j *job) Poll(ctx context.Context, _ string) (remote.Status, error) {
	code, message, body, err := j.do(ctx, j.c.cfg.DoubaoQueryURL, []byte("{}"), false)
	if err != nil {
		return remote.Status{}, err
	}
	st := remote.Status{Code: code, Message: message}

	switch code {
	case StatusOK:
		var qr queryResult
		if len(bytes.TrimSpace(body)) > 0 {
			if err := json.Unmarshal(body, &qr); err != nil {
				j.c.log.Warn("doubao query body is not json", zap.Error(err))
			}
		}
		st.State = remote.Succeeded
		st.Text = strings.TrimSpace(qr.Result.Text)
		if st.Text == "" {
			st.State = remote.Empty
			st.Message = "doubao recognition succeeded but returned no text"
		}
	case StatusProcessing, StatusQueued:
		st.State = remote.InProgress
	case StatusSilent:
		st.State = remote.Empty
		st.Message = "doubao recognition failed: silent audio"
	default:
		st.State = remote.Failed
		st.Message = FriendlyError(code, message)
	}
	return st, nil
}

// UID derives the vendor-side user id from a task id.
func UID(taskID string) string {
	if len(taskID) > 12 {
		taskID = taskID[:12]
	}
	return fmt.Sprintf("local-%s", taskID)
}
