// Reader is a testing facility to read the output of a http reporter.

package reporter

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

type HttpReader struct {
	baseURL string
	client  *http.Client
}

func NewHttpReader(serverIP string, serverPort string) *HttpReader {
	return NewHttpReaderFromURL("http://"+serverIP+":"+serverPort, http.DefaultClient)
}

// NewHttpReaderFromURL reads from baseURL, e.g. an httptest server.
func NewHttpReaderFromURL(baseURL string, client *http.Client) *HttpReader {
	return &HttpReader{baseURL: baseURL, client: client}
}

func (hr *HttpReader) get(route string, query url.Values) (int, []byte, error) {
	u := hr.baseURL + route
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	resp, err := hr.client.Get(u)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

func (hr *HttpReader) GetHello() (string, error) {
	_, body, err := hr.get(ROUTE_HELLO, nil)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// GetSend returns the send for hash, nil if the reporter has none.
func (hr *HttpReader) GetSend(hash string) (*SendView, error) {
	code, body, err := hr.get(ROUTE_SEND, url.Values{"payment_hash": {hash}})
	if err != nil {
		return nil, err
	}
	switch code {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, nil
	default:
		return nil, fmt.Errorf("reporter returned %d: %s", code, body)
	}

	var out struct {
		Data SendView `json:"data"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, err
	}
	return &out.Data, nil
}

func (hr *HttpReader) GetSends(limit int) ([]SendView, error) {
	code, body, err := hr.get(ROUTE_SENDS, url.Values{"limit": {fmt.Sprint(limit)}})
	if err != nil {
		return nil, err
	}
	if code != http.StatusOK {
		return nil, fmt.Errorf("reporter returned %d: %s", code, body)
	}

	var out struct {
		Data []SendView `json:"data"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}
