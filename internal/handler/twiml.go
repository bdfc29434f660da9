package handler

import (
	"encoding/xml"
	"net/http"
)

// Response is the root of a voice/messaging markup document. Verbs are rendered in
// field order.
type Response struct {
	XMLName xml.Name `xml:"Response"`
	Says    []Say
	Gather  *Gather
	Message *Message
	Hangup  *Hangup
}

type Say struct {
	XMLName xml.Name `xml:"Say"`
	Text    string   `xml:",chardata"`
}

type Gather struct {
	XMLName   xml.Name `xml:"Gather"`
	Action    string   `xml:"action,attr"`
	Method    string   `xml:"method,attr"`
	NumDigits int      `xml:"numDigits,attr"`
	Timeout   int      `xml:"timeout,attr,omitempty"`
	Say       *Say
}

type Message struct {
	XMLName xml.Name `xml:"Message"`
	Text    string   `xml:",chardata"`
}

type Hangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

func says(lines ...string) []Say {
	out := make([]Say, len(lines))
	for i, l := range lines {
		out[i] = Say{Text: l}
	}
	return out
}

func writeMarkup(w http.ResponseWriter, resp Response) {
	body, err := xml.Marshal(resp)
	if err != nil {
		http.Error(w, "failed to render response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(xml.Header))
	_, _ = w.Write(body)
}
