package telephony

import (
	"encoding/xml"
	"fmt"
	"sort"
)

// TwiML document structures, only the verbs this service emits.
type twimlResponse struct {
	XMLName xml.Name      `xml:"Response"`
	Say     []twimlSay    `xml:"Say,omitempty"`
	Pause   *twimlPause   `xml:"Pause,omitempty"`
	Connect *twimlConnect `xml:"Connect,omitempty"`
}

type twimlSay struct {
	Text string `xml:",chardata"`
}

type twimlPause struct {
	Length int `xml:"length,attr"`
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL        string           `xml:"url,attr"`
	Parameters []twimlParameter `xml:"Parameter,omitempty"`
}

type twimlParameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// StreamTwiML renders the document that routes a call's audio into the media
// stream endpoint. Params travel as custom parameters and come back in the
// stream's start message.
func StreamTwiML(wsURL, announcement string, params map[string]string) ([]byte, error) {
	doc := twimlResponse{
		Connect: &twimlConnect{Stream: twimlStream{URL: wsURL}},
	}
	if announcement != "" {
		doc.Say = []twimlSay{{Text: announcement}}
		doc.Pause = &twimlPause{Length: 1}
	}
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		doc.Connect.Stream.Parameters = append(doc.Connect.Stream.Parameters,
			twimlParameter{Name: name, Value: params[name]})
	}

	body, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("telephony: render twiml: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}
