package nsq

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// lookupdProducer is the per-producer shape nsqlookupd's
// /lookup?topic=... returns, generalized from
// davidpelaez-nsq-events's vendored bitly/nsq/util/lookupd/lookupd.go.
type lookupdProducer struct {
	BroadcastAddress string `json:"broadcast_address"`
	Hostname         string `json:"hostname"`
	TCPPort          int    `json:"tcp_port"`
	HTTPPort         int    `json:"http_port"`
}

func (p lookupdProducer) tcpAddr() string {
	return fmt.Sprintf("%s:%d", p.BroadcastAddress, p.TCPPort)
}

// lookupdResponseV1 is the modern flat response shape.
type lookupdResponseV1 struct {
	Producers []lookupdProducer `json:"producers"`
}

// lookupdResponseLegacy wraps the same producer list inside a "data"
// envelope, the shape older nsqlookupd versions (and the vendored
// bitly/nsq client this repo generalizes from) emit.
type lookupdResponseLegacy struct {
	Data struct {
		Producers []lookupdProducer `json:"producers"`
	} `json:"data"`
}

// lookupTopicProducers polls a single nsqlookupd address for the set
// of nsqd TCP addresses currently serving topic, tolerating both
// response shapes (spec.md §4.3's discovery step).
func lookupTopicProducers(lookupdAddr, topic string, timeout time.Duration) ([]string, error) {
	endpoint, err := buildLookupEndpoint(lookupdAddr, topic)
	if err != nil {
		return nil, err
	}

	client := &http.Client{Timeout: timeout}
	resp, err := client.Get(endpoint)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		// topic not yet registered with this lookupd; not an error.
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("lookupd %s returned %d", lookupdAddr, resp.StatusCode)
	}

	body, err := decodeLookupdBody(resp)
	if err != nil {
		return nil, err
	}

	addrs := make([]string, 0, len(body))
	seen := make(map[string]struct{}, len(body))
	for _, p := range body {
		addr := p.tcpAddr()
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

func buildLookupEndpoint(lookupdAddr, topic string) (string, error) {
	u, err := url.Parse(lookupdAddr)
	if err != nil || u.Scheme == "" {
		u = &url.URL{Scheme: "http", Host: lookupdAddr}
	}
	u.Path = "/lookup"
	q := u.Query()
	q.Set("topic", topic)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func decodeLookupdBody(resp *http.Response) ([]lookupdProducer, error) {
	dec := json.NewDecoder(resp.Body)

	var flat lookupdResponseV1
	buf, err := peekDecode(dec, &flat)
	if err == nil && len(flat.Producers) > 0 {
		return flat.Producers, nil
	}

	var legacy lookupdResponseLegacy
	if err := json.Unmarshal(buf, &legacy); err == nil {
		return legacy.Data.Producers, nil
	}

	return nil, fmt.Errorf("unrecognized lookupd response shape")
}

// peekDecode decodes into v and also returns the raw bytes consumed,
// so a second shape can be attempted against the same payload without
// re-reading the (already-drained) response body.
func peekDecode(dec *json.Decoder, v interface{}) ([]byte, error) {
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	err := json.Unmarshal(raw, v)
	return raw, err
}

// unionProducers merges producer address lists from multiple lookupd
// responses, deduplicating.
func unionProducers(lists ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, list := range lists {
		for _, addr := range list {
			if _, ok := seen[addr]; ok {
				continue
			}
			seen[addr] = struct{}{}
			out = append(out, addr)
		}
	}
	return out
}
