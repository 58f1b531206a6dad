package manifest

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"segmentdl/internal/entity"
)

// Playlist tags recognized by the parser.
const (
	tagHeader         = "#EXTM3U"
	tagInf            = "#EXTINF:"
	tagStreamInf      = "#EXT-X-STREAM-INF:"
	tagTargetDuration = "#EXT-X-TARGETDURATION:"
	tagMediaSequence  = "#EXT-X-MEDIA-SEQUENCE:"
	tagEndList        = "#EXT-X-ENDLIST"
	tagKey            = "#EXT-X-KEY:"
	tagByteRange      = "#EXT-X-BYTERANGE:"
)

// Entry is one chunk line of a media playlist. URI is unresolved.
type Entry struct {
	URI string
	// Duration is entity.UnknownDuration when the entry has no #EXTINF.
	Duration time.Duration
	Title    string
}

// Variant is one #EXT-X-STREAM-INF entry of a master playlist. URI is unresolved.
type Variant struct {
	URI        string `json:"uri"`
	Bandwidth  int    `json:"bandwidth,omitempty"`
	Resolution string `json:"resolution,omitempty"`
	Codecs     string `json:"codecs,omitempty"`
}

// Document is a parsed playlist, either master (Variants set) or media (Entries set).
type Document struct {
	Master         bool
	Variants       []Variant
	Entries        []Entry
	TargetDuration time.Duration
	MediaSequence  int
	Ended          bool
	// Unsupported holds the first reason the playlist cannot be downloaded as plain chunks.
	Unsupported string
}

// Parse reads an m3u8 playlist. It does not fail on an empty chunk list;
// callers decide whether a document is usable.
func Parse(r io.Reader) (*Document, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	doc := &Document{}

	var (
		pending       *Entry
		pendingStream *Variant
		seenHeader    bool
	)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if !seenHeader {
			if !strings.HasPrefix(line, tagHeader) {
				return nil, fmt.Errorf("missing %s header", tagHeader)
			}

			seenHeader = true

			continue
		}

		switch {
		case strings.HasPrefix(line, tagStreamInf):
			doc.Master = true
			v := parseStreamInf(strings.TrimPrefix(line, tagStreamInf))
			pendingStream = &v
		case strings.HasPrefix(line, tagInf):
			e := parseInf(strings.TrimPrefix(line, tagInf))
			pending = &e
		case strings.HasPrefix(line, tagTargetDuration):
			if secs, err := strconv.ParseFloat(strings.TrimPrefix(line, tagTargetDuration), 64); err == nil {
				doc.TargetDuration = seconds(secs)
			}
		case strings.HasPrefix(line, tagMediaSequence):
			if seq, err := strconv.Atoi(strings.TrimPrefix(line, tagMediaSequence)); err == nil {
				doc.MediaSequence = seq
			}
		case strings.HasPrefix(line, tagEndList):
			doc.Ended = true
		case strings.HasPrefix(line, tagKey):
			attrs := parseAttributes(strings.TrimPrefix(line, tagKey))
			if method := attrs["METHOD"]; method != "" && method != "NONE" && doc.Unsupported == "" {
				doc.Unsupported = fmt.Sprintf("encrypted chunks (METHOD=%s)", method)
			}
		case strings.HasPrefix(line, tagByteRange):
			if doc.Unsupported == "" {
				doc.Unsupported = "byte-range chunks"
			}
		case strings.HasPrefix(line, "#"):
			// unknown tag or comment
		default:
			switch {
			case pendingStream != nil:
				pendingStream.URI = line
				doc.Variants = append(doc.Variants, *pendingStream)
				pendingStream = nil
			case doc.Master:
				// stray URI in a master playlist
			case pending != nil:
				pending.URI = line
				doc.Entries = append(doc.Entries, *pending)
				pending = nil
			default:
				doc.Entries = append(doc.Entries, Entry{URI: line, Duration: entity.UnknownDuration})
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan playlist: %w", err)
	}

	if !seenHeader {
		return nil, fmt.Errorf("missing %s header", tagHeader)
	}

	return doc, nil
}

// TotalDuration sums the known entry durations.
func (d *Document) TotalDuration() time.Duration {
	var total time.Duration
	for _, e := range d.Entries {
		total += e.Duration
	}

	return total
}

func parseInf(value string) Entry {
	durationPart, title, _ := strings.Cut(value, ",")

	e := Entry{Duration: entity.UnknownDuration}
	if secs, err := strconv.ParseFloat(strings.TrimSpace(durationPart), 64); err == nil && secs > 0 {
		e.Duration = seconds(secs)
	}

	e.Title = strings.TrimSpace(title)

	return e
}

func parseStreamInf(value string) Variant {
	attrs := parseAttributes(value)

	v := Variant{
		Resolution: attrs["RESOLUTION"],
		Codecs:     attrs["CODECS"],
	}

	if bw, err := strconv.Atoi(attrs["BANDWIDTH"]); err == nil {
		v.Bandwidth = bw
	}

	return v
}

// parseAttributes splits an attribute list, honoring commas inside quoted values.
func parseAttributes(value string) map[string]string {
	attrs := make(map[string]string)

	var (
		key, cur strings.Builder
		inKey    = true
		quoted   bool
	)

	flush := func() {
		k := strings.TrimSpace(key.String())
		if k != "" {
			attrs[strings.ToUpper(k)] = strings.Trim(strings.TrimSpace(cur.String()), `"`)
		}

		key.Reset()
		cur.Reset()

		inKey = true
	}

	for _, r := range value {
		switch {
		case r == '"':
			quoted = !quoted
			cur.WriteRune(r)
		case r == ',' && !quoted:
			flush()
		case r == '=' && inKey:
			inKey = false
		case inKey:
			key.WriteRune(r)
		default:
			cur.WriteRune(r)
		}
	}

	flush()

	return attrs
}

func seconds(secs float64) time.Duration {
	return time.Duration(math.Round(secs * float64(time.Second)))
}
