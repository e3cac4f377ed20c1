// Reader is a testing facility to read the output of a http reporter.

package reporter

import (
	"io"
	"net/http"
)

type HttpReader struct {
	serverIP   string // listen ip
	serverPort string // listen port
}

func NewHttpReader(serverIP string, serverPort string) *HttpReader {
	return &HttpReader{
		serverIP:   serverIP,
		serverPort: serverPort,
	}
}

func (hr *HttpReader) get(route string) (int, string, error) {
	url := "http://" + hr.serverIP + ":" + hr.serverPort + route

	resp, err := http.Get(url)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	// Read the response body
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, "", err
	}

	// Convert the body to a string
	return resp.StatusCode, string(body), nil
}

func (hr *HttpReader) GetHealth() (int, string, error) {
	return hr.get(ROUTE_HEALTH)
}

func (hr *HttpReader) GetStats() (int, string, error) {
	return hr.get(ROUTE_STATS)
}

func (hr *HttpReader) GetRecord(correlationId string) (int, string, error) {
	return hr.get(ROUTE_RECORD + "?correlation_id=" + correlationId)
}
