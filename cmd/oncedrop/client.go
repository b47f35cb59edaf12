package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	pdfutil "github.com/dharsanguruparan/OnceDrop/internal/pdf"
)

const defaultServer = "http://localhost:8080"

type client struct {
	base string
	http *http.Client
}

func newClient(base string) *client {
	return &client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 60 * time.Second},
	}
}

type apiError struct {
	Status  int
	Code    string
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

func decodeAPIError(resp *http.Response) error {
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(body, &env); err != nil || env.Error.Code == "" {
		return &apiError{Status: resp.StatusCode, Code: "HTTP", Message: strings.TrimSpace(string(body))}
	}
	return &apiError{Status: resp.StatusCode, Code: env.Error.Code, Message: env.Error.Message}
}

func (c *client) upload(ctx context.Context, path, recipient, notes string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("document", filepath.Base(path))
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(data); err != nil {
		return nil, err
	}
	if recipient != "" {
		if err := mw.WriteField("recipientName", recipient); err != nil {
			return nil, err
		}
	}
	if notes != "" {
		if err := mw.WriteField("notes", notes); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/upload", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return nil, decodeAPIError(resp)
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode upload response: %w", err)
	}
	return out, nil
}

func (c *client) postCode(ctx context.Context, path, code string) (*http.Response, error) {
	payload, err := json.Marshal(map[string]string{"accessCode": code})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "oncedrop-cli")
	return c.http.Do(req)
}

type fetched struct {
	FileName  string
	MimeType  string
	Recipient string
	Data      []byte
}

func (c *client) access(ctx context.Context, code string) (*fetched, error) {
	resp, err := c.postCode(ctx, "/api/access", code)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, decodeAPIError(resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	doc := &fetched{MimeType: resp.Header.Get("Content-Type"), Data: data}
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil {
		doc.FileName = filepath.Base(params["filename"])
	}
	if r := resp.Header.Get("X-Recipient-Name"); r != "" {
		dec := new(mime.WordDecoder)
		if s, err := dec.DecodeHeader(r); err == nil {
			doc.Recipient = s
		}
	}
	return doc, nil
}

func (c *client) print(ctx context.Context, code string) error {
	resp, err := c.postCode(ctx, "/api/print", code)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return decodeAPIError(resp)
	}
	return nil
}

// readCode prompts on the terminal without echoing the code.
func readCode(cmd *cobra.Command, code string) (string, error) {
	if code != "" {
		return strings.TrimSpace(code), nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("no terminal for prompt: pass --code")
	}
	fmt.Fprint(cmd.ErrOrStderr(), "Access code: ")
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(cmd.ErrOrStderr())
	if err != nil {
		return "", fmt.Errorf("read code: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}

func newUploadCmd() *cobra.Command {
	var server, recipient, notes string
	cmd := &cobra.Command{
		Use:   "upload FILE",
		Short: "Upload a document and print its access code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := newClient(server).upload(cmd.Context(), args[0], recipient, notes)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "access code: %v\nexpires:     %v\n", res["accessCode"], res["expiryTime"])
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", defaultServer, "OnceDrop server URL")
	cmd.Flags().StringVar(&recipient, "recipient", "", "Recipient name shown to the viewer")
	cmd.Flags().StringVar(&notes, "notes", "", "Notes attached to the document")
	return cmd
}

func newAccessCmd() *cobra.Command {
	var server, code, out string
	var text bool
	cmd := &cobra.Command{
		Use:   "access",
		Short: "Redeem an access code and fetch the document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := readCode(cmd, code)
			if err != nil {
				return err
			}
			doc, err := newClient(server).access(cmd.Context(), code)
			if err != nil {
				return err
			}
			defer clear(doc.Data)
			if doc.Recipient != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "for %s\n", doc.Recipient)
			}

			if text {
				mediaType, _, _ := mime.ParseMediaType(doc.MimeType)
				if mediaType != "application/pdf" {
					return fmt.Errorf("--text needs a PDF, got %s", mediaType)
				}
				s, err := pdfutil.ExtractText(doc.Data)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), s)
				return err
			}

			if out == "" {
				out = doc.FileName
			}
			if out == "" || out == "." {
				out = "document"
			}
			if out == "-" {
				_, err = cmd.OutOrStdout().Write(doc.Data)
				return err
			}
			if err := os.WriteFile(out, doc.Data, 0o600); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "saved %s (%d bytes)\n", out, len(doc.Data))
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", defaultServer, "OnceDrop server URL")
	cmd.Flags().StringVar(&code, "code", "", "Access code (prompted when omitted)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "Output file, - for stdout (defaults to the uploaded name)")
	cmd.Flags().BoolVar(&text, "text", false, "Print the text of a PDF instead of saving it")
	return cmd
}

func newPrintCmd() *cobra.Command {
	var server, code string
	cmd := &cobra.Command{
		Use:   "print",
		Short: "Confirm printing so the document is destroyed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := readCode(cmd, code)
			if err != nil {
				return err
			}
			if err := newClient(server).print(cmd.Context(), code); err != nil {
				return err
			}
			fmt.Fprintln(cmd.ErrOrStderr(), "document destroyed")
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", defaultServer, "OnceDrop server URL")
	cmd.Flags().StringVar(&code, "code", "", "Access code (prompted when omitted)")
	return cmd
}
