package conversation

import "strings"

// segDelimiter separates alternating voice-language / text-language spans in
// bilingual model output. The model is instructed to emit it between spans.
const segDelimiter = "</seg>"

// Segment is a span of streamed assistant text ready for the pipeline.
// Voiced segments go to TTS; Shown segments go to the client as text. In
// same-language mode every segment is both.
type Segment struct {
	Text   string
	Voiced bool
	Shown  bool
}

// segmenter splits the streamed token sequence into speakable segments.
//
// Same-language policy: the rolling buffer is flushed as one segment whenever
// appending the next token would reach the minimum length, so segment
// boundaries always fall on token boundaries.
//
// Bilingual policy: the buffer is split on the delimiter as it arrives;
// attribution alternates starting with the voice language, and the trailing
// partial span is held until the next delimiter or stream end.
type segmenter struct {
	sameLanguage bool
	minChars     int
	buf          string
	foreign      bool
}

func newSegmenter(sameLanguage bool, minChars int) *segmenter {
	return &segmenter{sameLanguage: sameLanguage, minChars: minChars, foreign: true}
}

// Feed consumes one streamed token and returns any segments it completed.
func (s *segmenter) Feed(token string) []Segment {
	if s.sameLanguage {
		return s.feedSame(token)
	}
	return s.feedBilingual(token)
}

func (s *segmenter) feedSame(token string) []Segment {
	if s.buf != "" && len([]rune(s.buf))+len([]rune(token)) >= s.minChars {
		seg := strings.TrimSpace(s.buf)
		s.buf = token
		if seg == "" {
			return nil
		}
		return []Segment{{Text: seg, Voiced: true, Shown: true}}
	}
	s.buf += token
	return nil
}

func (s *segmenter) feedBilingual(token string) []Segment {
	s.buf += token
	if !strings.Contains(s.buf, segDelimiter) {
		return nil
	}
	parts := strings.Split(s.buf, segDelimiter)
	var out []Segment
	for _, part := range parts[:len(parts)-1] {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, Segment{Text: part, Voiced: s.foreign, Shown: !s.foreign})
		s.foreign = !s.foreign
	}
	s.buf = parts[len(parts)-1]
	return out
}

// Flush drains the trailing buffer at stream end. In bilingual mode a
// trailing voice-language partial is discarded; only a local-language
// remainder is surfaced.
func (s *segmenter) Flush() []Segment {
	text := strings.TrimSpace(s.buf)
	s.buf = ""
	if text == "" {
		return nil
	}
	if s.sameLanguage {
		return []Segment{{Text: text, Voiced: true, Shown: true}}
	}
	if s.foreign {
		return nil
	}
	return []Segment{{Text: text, Voiced: false, Shown: true}}
}
