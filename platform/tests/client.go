package tests

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"

	"github.com/go-chi/chi/v5"
)

type httpTestRequest struct {
	api http.Handler

	method   string
	endpoint string
	headers  map[string]string
	json     interface{}
	body     io.Reader
	login    *loginInfo
}

func newHttpTestRequest(api http.Handler, method, endpoint string) *httpTestRequest {
	return &httpTestRequest{
		api:      api,
		method:   method,
		endpoint: endpoint,
		headers:  nil,
		json:     nil,
		body:     nil,
	}
}

func (r *httpTestRequest) Header(key, value string) *httpTestRequest {
	if r.headers == nil {
		r.headers = make(map[string]string)
	}
	r.headers[key] = value
	return r
}

func (r *httpTestRequest) Login(email, password string) *httpTestRequest {
	r.login = &loginInfo{Email: email, Password: password}
	return r
}

func (r *httpTestRequest) Auth(token string) *httpTestRequest {
	return r.Header("Authorization", fmt.Sprintf("Bearer %v", token))
}

func (r *httpTestRequest) ApiKey(key string) *httpTestRequest {
	return r.Header("X-API-Key", key)
}

func (r *httpTestRequest) Json(data interface{}) *httpTestRequest {
	r.json = data
	return r
}

func (r *httpTestRequest) send() (*httptest.ResponseRecorder, error) {
	if r.json != nil {
		body := new(bytes.Buffer)
		err := json.NewEncoder(body).Encode(r.json)
		if err != nil {
			return nil, fmt.Errorf("error encoding json body for endpoint %v: %w", r.endpoint, err)
		}
		r.body = body
	}

	req := httptest.NewRequest(r.method, r.endpoint, r.body)
	if r.headers != nil {
		for k, v := range r.headers {
			req.Header.Add(k, v)
		}
	}

	if r.login != nil {
		req.SetBasicAuth(r.login.Email, r.login.Password)
	}

	w := httptest.NewRecorder()

	r.api.ServeHTTP(w, req)

	return w, nil
}

// response body will be parsed into result, passing nil indicates that no result is returned.
func (r *httpTestRequest) Do(result interface{}) error {
	w, err := r.send()
	if err != nil {
		return err
	}

	res := w.Result()
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		if res.StatusCode == http.StatusUnauthorized {
			return ErrUnauthorized
		}
		return fmt.Errorf("%v request to endpoint %v returned status %d, content '%v'", r.method, r.endpoint, res.StatusCode, w.Body.String())
	}

	if result != nil {
		err := json.NewDecoder(res.Body).Decode(result)
		if err != nil {
			return fmt.Errorf("error parsing %v response from endpoint %v: %w", r.method, r.endpoint, err)
		}
	}

	return nil
}

// DoExpectStatus fails unless the response has exactly the given status.
func (r *httpTestRequest) DoExpectStatus(status int) error {
	w, err := r.send()
	if err != nil {
		return err
	}

	res := w.Result()
	defer res.Body.Close()

	if res.StatusCode != status {
		return fmt.Errorf("%v request to endpoint %v returned status %d, expected %d, content '%v'", r.method, r.endpoint, res.StatusCode, status, w.Body.String())
	}

	return nil
}

var ErrUnauthorized = errors.New("unauthorized")

type client struct {
	api       chi.Router
	authToken string
	userId    string
}

func (c *client) Get(endpoint string) *httpTestRequest {
	r := newHttpTestRequest(c.api, "GET", endpoint)
	if c.authToken != "" {
		return r.Auth(c.authToken)
	}
	return r
}

func (c *client) Post(endpoint string) *httpTestRequest {
	r := newHttpTestRequest(c.api, "POST", endpoint)
	if c.authToken != "" {
		return r.Auth(c.authToken)
	}
	return r
}

func (c *client) Delete(endpoint string) *httpTestRequest {
	r := newHttpTestRequest(c.api, "DELETE", endpoint)
	if c.authToken != "" {
		return r.Auth(c.authToken)
	}
	return r
}

type loginInfo struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (c *client) signup(username, email, password string) (loginInfo, error) {
	body := map[string]string{
		"email": email, "username": username, "password": password,
	}

	err := c.Post("/user/signup").Json(body).Do(nil)
	if err != nil {
		return loginInfo{}, err
	}

	return loginInfo{Email: email, Password: password}, nil
}

func (c *client) login(login loginInfo) error {
	var res map[string]string
	err := c.Post("/user/login").Login(login.Email, login.Password).Do(&res)
	if err != nil {
		return err
	}

	c.authToken = res["access_token"]
	c.userId = res["user_id"]

	return nil
}

func (c *client) addUser(username, email, password, role string) (loginInfo, error) {
	body := map[string]string{
		"email": email, "username": username, "password": password, "role": role,
	}

	err := c.Post("/user/create").Json(body).Do(nil)
	if err != nil {
		return loginInfo{}, err
	}

	return loginInfo{Email: email, Password: password}, nil
}

type irisFeatures struct {
	SepalLength float64 `json:"sepal_length"`
	SepalWidth  float64 `json:"sepal_width"`
	PetalLength float64 `json:"petal_length"`
	PetalWidth  float64 `json:"petal_width"`
}

type predictResult struct {
	ResultId       string       `json:"result_id"`
	PredictedLabel string       `json:"predicted_label"`
	ConfirmedLabel string       `json:"confirmed_label"`
	ModelVersion   string       `json:"model_version"`
	Duplicate      bool         `json:"duplicate"`
	CreatedAt      string       `json:"created_at"`
	Features       irisFeatures `json:"features"`
}

func (c *client) predict(features irisFeatures) (predictResult, error) {
	var res predictResult
	err := c.Post("/iris/predict").Json(features).Do(&res)
	return res, err
}

func (c *client) predictWithKey(apiKey string, features irisFeatures) (predictResult, error) {
	var res predictResult
	err := c.Post("/iris/api/predict").ApiKey(apiKey).Json(features).Do(&res)
	return res, err
}

func (c *client) createApiKey(name string) (string, string, error) {
	var res map[string]string
	err := c.Post("/keys/create").Json(map[string]string{"name": name}).Do(&res)
	if err != nil {
		return "", "", err
	}
	return res["key_id"], res["api_key"], nil
}

type resultListing struct {
	Total   int64 `json:"total"`
	Results []struct {
		Id             string `json:"id"`
		UserId         string `json:"user_id"`
		PredictedLabel string `json:"predicted_label"`
		ConfirmedLabel string `json:"confirmed_label"`
		Confirm        bool   `json:"confirm"`
	} `json:"results"`
}

func (c *client) listResults(query string) (resultListing, error) {
	var res resultListing
	err := c.Get("/iris/results" + query).Do(&res)
	return res, err
}

type logListing struct {
	Total int64 `json:"total"`
	Logs  []struct {
		Id        string `json:"id"`
		UserId    string `json:"user_id"`
		ResultId  string `json:"result_id"`
		UsageType string `json:"usage_type"`
		LogStatus string `json:"log_status"`
	} `json:"logs"`
}

func (c *client) listLogs(query string) (logListing, error) {
	var res logListing
	err := c.Get("/iris/logs" + query).Do(&res)
	return res, err
}

func (c *client) confirmResult(resultId, label string) error {
	return c.Post(fmt.Sprintf("/iris/results/%v/confirm", resultId)).Json(map[string]string{"label": label}).Do(nil)
}

func (c *client) editResult(resultId, label string) error {
	return c.Post(fmt.Sprintf("/iris/results/%v/label", resultId)).Json(map[string]string{"label": label}).Do(nil)
}

func (c *client) deleteResult(resultId string) error {
	return c.Delete(fmt.Sprintf("/iris/results/%v", resultId)).Do(nil)
}

type matchReport struct {
	Created []string `json:"created"`
	Skipped []struct {
		Id     string `json:"id"`
		Reason string `json:"reason"`
	} `json:"skipped"`
}

func (c *client) createMatches(expertId string, userIds ...string) (matchReport, error) {
	var res matchReport
	err := c.Post("/match/create").Json(map[string]interface{}{
		"expert_id": expertId,
		"user_ids":  userIds,
	}).Do(&res)
	return res, err
}

type matchListing struct {
	Total   int64 `json:"total"`
	Matches []struct {
		Id       string `json:"id"`
		UserId   string `json:"user_id"`
		ExpertId string `json:"expert_id"`
		Status   string `json:"status"`
	} `json:"matches"`
}

func (c *client) listMatches(query string) (matchListing, error) {
	var res matchListing
	err := c.Get("/match/list" + query).Do(&res)
	return res, err
}

type userDetails struct {
	Id          string `json:"id"`
	Username    string `json:"username"`
	Email       string `json:"email"`
	Role        string `json:"role"`
	IsActive    bool   `json:"is_active"`
	MatchStatus string `json:"match_status"`
}

func (c *client) userInfo() (userDetails, error) {
	var res userDetails
	err := c.Get("/user/info").Do(&res)
	return res, err
}

func (c *client) listUsers() ([]userDetails, error) {
	var res []userDetails
	err := c.Get("/user/list").Do(&res)
	return res, err
}

func (c *client) changeRole(userId, role string) error {
	return c.Post(fmt.Sprintf("/user/%v/role", userId)).Json(map[string]string{"role": role}).Do(nil)
}

func (c *client) deleteUser(userId string) error {
	return c.Delete(fmt.Sprintf("/user/%v", userId)).Do(nil)
}

func (c *client) reassignMatch(matchId, expertId string) error {
	return c.Post(fmt.Sprintf("/match/%v/reassign", matchId)).Json(map[string]string{"expert_id": expertId}).Do(nil)
}

func (c *client) cancelMatch(matchId string) error {
	return c.Post(fmt.Sprintf("/match/%v/cancel", matchId)).Do(nil)
}

func (c *client) completeMatch(matchId string) error {
	return c.Post(fmt.Sprintf("/match/%v/complete", matchId)).Do(nil)
}

type candidate struct {
	Id       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

func (c *client) listCandidates(query string) ([]candidate, error) {
	var res []candidate
	err := c.Get("/match/candidates" + query).Do(&res)
	return res, err
}

type matchLogListing struct {
	Total int64 `json:"total"`
	Logs  []struct {
		Title   string `json:"title"`
		Status  string `json:"status"`
		MatchId string `json:"match_id"`
	} `json:"logs"`
}

func (c *client) listMatchLogs(query string) (matchLogListing, error) {
	var res matchLogListing
	err := c.Get("/match/logs" + query).Do(&res)
	return res, err
}

type apiKeyDetails struct {
	Id       string `json:"id"`
	Name     string `json:"name"`
	UserId   string `json:"user_id"`
	IsActive bool   `json:"is_active"`
}

func (c *client) listApiKeys() ([]apiKeyDetails, error) {
	var res []apiKeyDetails
	err := c.Get("/keys/list").Do(&res)
	return res, err
}

func (c *client) disableApiKey(keyId string) error {
	return c.Post(fmt.Sprintf("/keys/%v/disable", keyId)).Do(nil)
}

func (c *client) enableApiKey(keyId string) error {
	return c.Post(fmt.Sprintf("/keys/%v/enable", keyId)).Do(nil)
}
