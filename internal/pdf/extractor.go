// Package pdfutil inspects PDF payloads with ledongthuc/pdf. Uploads are
// checked before encryption so the watermark stage never sees a PDF it
// cannot parse.
package pdfutil

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	pdf "github.com/ledongthuc/pdf"
)

// ErrInvalidPDF is returned for payloads the reader rejects.
var ErrInvalidPDF = errors.New("invalid pdf")

// open recovers from reader panics on malformed input.
func open(data []byte) (doc *pdf.Reader, err error) {
	defer func() {
		if r := recover(); r != nil {
			doc = nil
			err = fmt.Errorf("%w: %v", ErrInvalidPDF, r)
		}
	}()
	doc, err = pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPDF, err)
	}
	return doc, nil
}

// PageCount returns the number of pages declared by the document catalog.
func PageCount(data []byte) (n int, err error) {
	doc, err := open(data)
	if err != nil {
		return 0, err
	}
	defer func() {
		if r := recover(); r != nil {
			n = 0
			err = fmt.Errorf("%w: %v", ErrInvalidPDF, r)
		}
	}()
	return doc.NumPage(), nil
}

// Validate fails unless data parses and has at least one page.
func Validate(data []byte) error {
	n, err := PageCount(data)
	if err != nil {
		return err
	}
	if n < 1 {
		return fmt.Errorf("%w: no pages", ErrInvalidPDF)
	}
	return nil
}

// ExtractText reads PDF bytes and returns plain text using ledongthuc/pdf.
func ExtractText(data []byte) (text string, err error) {
	doc, err := open(data)
	if err != nil {
		return "", err
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrInvalidPDF, r)
		}
	}()
	var builder strings.Builder
	total := doc.NumPage()
	for page := 1; page <= total; page++ {
		p := doc.Page(page)
		if p.V.IsNull() {
			continue
		}
		content, err := p.GetPlainText(nil)
		if err != nil {
			return "", fmt.Errorf("page %d: %w", page, err)
		}
		builder.WriteString(content)
		builder.WriteString("\n")
	}
	return builder.String(), nil
}
