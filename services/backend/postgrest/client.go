package postgrest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sendgrid/rest"

	"github.com/pawtograder/staging/core"
	"github.com/pawtograder/staging/core/staging"
)

// Client calls the hosted backend's RPC endpoints over HTTP.
type Client struct {
	baseURL string
	apiKey  string
	token   string
	http    *rest.Client
}

var (
	_ staging.Backend      = (*Client)(nil)
	_ staging.RosterReader = (*Client)(nil)
)

func New(conf *core.Config) *Client {
	return NewClient(conf.Backend.URL, conf.Backend.APIKey, conf.Backend.ServiceToken, http.DefaultClient)
}

// NewClient builds a client; requests are authorized with `token`, or with the api key when token is blank.
func NewClient(baseURL, apiKey, token string, httpClient *http.Client) *Client {
	if token == "" {
		token = apiKey
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		token:   token,
		http:    &rest.Client{HTTPClient: httpClient},
	}
}

func (c *Client) headers() map[string]string {
	return map[string]string{
		"apikey":        c.apiKey,
		"Authorization": "Bearer " + c.token,
		"Content-Type":  "application/json",
		"Accept":        "application/json",
	}
}

// rpc posts `params` to the named function and decodes the response body into `out` when it is non-nil.
func (c *Client) rpc(ctx context.Context, fn string, params interface{}, out *int64) error {
	body, err := json.Marshal(params)
	if err != nil {
		return errors.Wrapf(err, "encoding %s params", fn)
	}
	res, err := c.http.SendWithContext(ctx, rest.Request{
		Method:  rest.Post,
		BaseURL: c.baseURL + "/rest/v1/rpc/" + fn,
		Headers: c.headers(),
		Body:    body,
	})
	if err != nil {
		return errors.Wrapf(err, "calling %s", fn)
	}
	if res.StatusCode >= http.StatusBadRequest {
		return decodeError(fn, res)
	}
	if out == nil {
		return nil
	}
	if err := decodeID(res.Body, out); err != nil {
		return errors.Wrapf(err, "decoding %s response", fn)
	}
	return nil
}

func (c *Client) CreateGroup(ctx context.Context, req staging.CreateGroupRequest) (staging.CreateGroupResponse, error) {
	var resp staging.CreateGroupResponse
	err := c.rpc(ctx, staging.OpCreateGroup, req, &resp.ID)
	return resp, err
}

func (c *Client) MoveMember(ctx context.Context, req staging.MoveMemberRequest) error {
	return c.rpc(ctx, staging.OpMoveMember, req, nil)
}

func (c *Client) CreateEmailBatch(ctx context.Context, req staging.CreateEmailBatchRequest) (staging.CreateEmailBatchResponse, error) {
	var resp staging.CreateEmailBatchResponse
	err := c.rpc(ctx, staging.OpCreateEmailBatch, req, &resp.ID)
	return resp, err
}

func (c *Client) InsertEmail(ctx context.Context, req staging.InsertEmailRequest) error {
	return c.rpc(ctx, staging.OpInsertEmail, req, nil)
}

type groupRow struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Members []struct {
		ProfileID string `json:"profile_id"`
	} `json:"assignment_groups_members"`
}

func (c *Client) ListGroups(ctx context.Context, classID, assignmentID int64) ([]staging.Group, error) {
	res, err := c.http.SendWithContext(ctx, rest.Request{
		Method:  rest.Get,
		BaseURL: c.baseURL + "/rest/v1/assignment_groups",
		Headers: c.headers(),
		QueryParams: map[string]string{
			"select":        "id,name,assignment_groups_members(profile_id)",
			"class_id":      "eq." + strconv.FormatInt(classID, 10),
			"assignment_id": "eq." + strconv.FormatInt(assignmentID, 10),
			"order":         "name.asc",
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "listing assignment groups")
	}
	if res.StatusCode >= http.StatusBadRequest {
		return nil, decodeError("assignment_groups", res)
	}

	var rows []groupRow
	if err := json.Unmarshal([]byte(res.Body), &rows); err != nil {
		return nil, errors.Wrap(err, "decoding assignment groups")
	}
	groups := make([]staging.Group, 0, len(rows))
	for _, r := range rows {
		g := staging.Group{ID: r.ID, Name: r.Name, MemberIDs: make([]string, 0, len(r.Members))}
		for _, m := range r.Members {
			g.MemberIDs = append(g.MemberIDs, m.ProfileID)
		}
		groups = append(groups, g)
	}
	return groups, nil
}

// decodeError reads the backend's `{message, code, details, hint}` error object.
func decodeError(op string, res *rest.Response) error {
	rErr := &staging.RemoteError{Op: op, Status: res.StatusCode}
	if err := json.Unmarshal([]byte(res.Body), rErr); err != nil || rErr.Message == "" {
		rErr.Message = strings.TrimSpace(res.Body)
		if rErr.Message == "" {
			rErr.Message = http.StatusText(res.StatusCode)
		}
	}
	return rErr
}

// decodeID accepts either a bare id or an object with an "id" field.
func decodeID(body string, id *int64) error {
	raw := bytes.TrimSpace([]byte(body))
	if len(raw) > 0 && raw[0] == '{' {
		var obj struct {
			ID int64 `json:"id"`
		}
		if err := json.Unmarshal(raw, &obj); err != nil {
			return err
		}
		*id = obj.ID
		return nil
	}
	return json.Unmarshal(raw, id)
}
