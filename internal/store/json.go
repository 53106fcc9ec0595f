package store

import (
	"bufio"
	"encoding/json"
	"io"
)

func decodeJSON(r io.Reader, v interface{}) error {
	return json.NewDecoder(r).Decode(v)
}

// addResponseRecord is one line of the newline-delimited response
// /api/v0/add streams back, per spec.md §6.
type addResponseRecord struct {
	Name string `json:"Name"`
	Hash string `json:"Hash"`
	Size string `json:"Size"`
}

// parseAddResponse reads the newline-delimited add response and selects
// the directory/file CID per spec.md §4.3: the record whose Name is
// empty, equal to rootName, or missing; falling back to the last record
// with a non-empty Hash if no such record exists.
func parseAddResponse(r io.Reader, rootName string) (string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var records []addResponseRecord
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec addResponseRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}

	for _, rec := range records {
		if rec.Name == "" || rec.Name == rootName {
			return rec.Hash, nil
		}
	}

	for i := len(records) - 1; i >= 0; i-- {
		if records[i].Hash != "" {
			return records[i].Hash, nil
		}
	}

	return "", errUploadParse
}
