package serializer

import (
	"bufio"
	"bytes"
	"fmt"
	"net/http"
)

// headers that describe the connection or the transfer of the original
// response and must not be replayed from the cache
var excludedHeaders = map[string]bool{
	"Connection":          true,
	"Content-Length":      true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// HeadToBytes converts a response status and header to its HTTP/1.1 representation,
// terminated by an empty line.
func HeadToBytes(statusCode int, header http.Header) []byte {
	buf := &bytes.Buffer{}
	fmt.Fprintf(buf, "HTTP/1.1 %03d %s\r\n", statusCode, http.StatusText(statusCode))
	header.WriteSubset(buf, excludedHeaders)
	buf.WriteString("\r\n")
	return buf.Bytes()
}

// BytesToHead parses a payload head written by HeadToBytes.
func BytesToHead(b []byte) (int, http.Header, error) {
	if !bytes.HasSuffix(b, []byte("\r\n\r\n")) {
		return 0, nil, fmt.Errorf("malformed response head")
	}
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), nil)
	if err != nil {
		return 0, nil, err
	}
	res.Body.Close()
	for name := range res.Header {
		if excludedHeaders[name] {
			res.Header.Del(name)
		}
	}
	return res.StatusCode, res.Header, nil
}
