// Package parser turns raw transaction file bytes into the domain model. It
// streams claims one at a time off an xml.Decoder so file size never dictates
// memory use, and it is strict: any structural defect rejects the whole file.
package parser

import (
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/haramkhor2011-ship-it/claims-app-sub010/claims/constants"
	claimserrors "github.com/haramkhor2011-ship-it/claims-app-sub010/claims/errors"
	"github.com/haramkhor2011-ship-it/claims-app-sub010/claims/models"
)

var dateLayouts = []string{
	"02/01/2006 15:04:05",
	"02/01/2006 15:04",
	"2006-01-02 15:04:05",
	"02/01/2006",
}

// Parse reads one transaction file and returns its parsed form. fileID is
// used only for error reporting.
func Parse(fileID string, r io.Reader) (*models.ParsedDocument, error) {
	dec := xml.NewDecoder(r)

	root, err := rootElement(dec)
	if err != nil {
		return nil, malformed(fileID, "no root element: %s", err)
	}

	switch root.Name.Local {
	case constants.RootSubmission:
		doc, err := parseSubmission(fileID, dec)
		if err != nil {
			return nil, err
		}
		return &models.ParsedDocument{Submission: &models.RootedSubmission{SubmissionDocument: *doc}}, nil
	case constants.RootRemittance:
		doc, err := parseRemittance(fileID, dec)
		if err != nil {
			return nil, err
		}
		return &models.ParsedDocument{Remittance: &models.RootedRemittance{RemittanceDocument: *doc}}, nil
	default:
		return nil, malformed(fileID, "unknown root element %q", root.Name.Local)
	}
}

func rootElement(dec *xml.Decoder) (xml.StartElement, error) {
	for {
		tok, err := dec.Token()
		if err != nil {
			return xml.StartElement{}, err
		}
		if se, ok := tok.(xml.StartElement); ok {
			return se, nil
		}
	}
}

func parseSubmission(fileID string, dec *xml.Decoder) (*models.SubmissionDocument, error) {
	doc := &models.SubmissionDocument{}
	sawHeader := false

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, malformed(fileID, "xml error: %s", err)
		}

		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		switch se.Name.Local {
		case "Header":
			var raw xmlHeader
			if err := dec.DecodeElement(&raw, &se); err != nil {
				return nil, malformed(fileID, "bad Header: %s", err)
			}
			header, err := raw.convert(fileID)
			if err != nil {
				return nil, err
			}
			doc.Header = *header
			sawHeader = true
		case "Claim":
			var raw xmlSubmissionClaim
			if err := dec.DecodeElement(&raw, &se); err != nil {
				return nil, malformed(fileID, "bad Claim: %s", err)
			}
			claim, err := raw.convert(fileID, len(doc.Claims))
			if err != nil {
				return nil, err
			}
			doc.Claims = append(doc.Claims, *claim)
		default:
			if err := dec.Skip(); err != nil {
				return nil, malformed(fileID, "xml error: %s", err)
			}
		}
	}

	if !sawHeader {
		return nil, malformed(fileID, "missing Header")
	}
	if len(doc.Claims) == 0 {
		return nil, malformed(fileID, "no Claim elements")
	}
	if doc.Header.RecordCount != len(doc.Claims) {
		return nil, malformed(fileID, "Header.RecordCount=%d but body has %d claims",
			doc.Header.RecordCount, len(doc.Claims))
	}

	return doc, nil
}

func parseRemittance(fileID string, dec *xml.Decoder) (*models.RemittanceDocument, error) {
	doc := &models.RemittanceDocument{}
	sawHeader := false

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, malformed(fileID, "xml error: %s", err)
		}

		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		switch se.Name.Local {
		case "Header":
			var raw xmlHeader
			if err := dec.DecodeElement(&raw, &se); err != nil {
				return nil, malformed(fileID, "bad Header: %s", err)
			}
			header, err := raw.convert(fileID)
			if err != nil {
				return nil, err
			}
			doc.Header = *header
			sawHeader = true
		case "Claim":
			var raw xmlRemittanceClaim
			if err := dec.DecodeElement(&raw, &se); err != nil {
				return nil, malformed(fileID, "bad Claim: %s", err)
			}
			claim, err := raw.convert(fileID, len(doc.Claims))
			if err != nil {
				return nil, err
			}
			doc.Claims = append(doc.Claims, *claim)
		default:
			if err := dec.Skip(); err != nil {
				return nil, malformed(fileID, "xml error: %s", err)
			}
		}
	}

	if !sawHeader {
		return nil, malformed(fileID, "missing Header")
	}
	if len(doc.Claims) == 0 {
		return nil, malformed(fileID, "no Claim elements")
	}
	if doc.Header.RecordCount != len(doc.Claims) {
		return nil, malformed(fileID, "Header.RecordCount=%d but body has %d claims",
			doc.Header.RecordCount, len(doc.Claims))
	}

	return doc, nil
}

func malformed(fileID, format string, args ...interface{}) error {
	return &claimserrors.MalformedDocumentError{FileID: fileID, Msg: fmt.Sprintf(format, args...)}
}

// parseCents converts a decimal money string into fixed-point cents. More
// than two fractional digits is a defect in the file, not a rounding matter.
func parseCents(fileID, field, raw string) (int64, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, malformed(fileID, "%s is empty", field)
	}

	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}

	whole, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}
	if whole == "" && frac == "" {
		return 0, malformed(fileID, "%s=%q is not a number", field, raw)
	}
	if len(frac) > 2 {
		return 0, malformed(fileID, "%s=%q has more than two decimal places", field, raw)
	}
	for len(frac) < 2 {
		frac += "0"
	}
	if whole == "" {
		whole = "0"
	}

	cents, err := strconv.ParseInt(whole+frac, 10, 64)
	if err != nil {
		return 0, malformed(fileID, "%s=%q is not a number", field, raw)
	}
	if neg {
		cents = -cents
	}
	return cents, nil
}

func parseCentsOptional(fileID, field, raw string) (int64, error) {
	if strings.TrimSpace(raw) == "" {
		return 0, nil
	}
	return parseCents(fileID, field, raw)
}

func claimField(index int, field string) string {
	return fmt.Sprintf("Claim[%d]/%s", index, field)
}

func parseCount(fileID, field, raw string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, malformed(fileID, "%s=%q is not an integer", field, raw)
	}
	return n, nil
}

func parseDate(fileID, field, raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, malformed(fileID, "%s is empty", field)
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, malformed(fileID, "%s=%q is not a recognized date", field, raw)
}

func parseDateOptional(fileID, field, raw string) (time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return time.Time{}, nil
	}
	return parseDate(fileID, field, raw)
}
