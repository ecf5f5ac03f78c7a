package partition

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// parseMachine parses `parted -ms <img> unit B print`:
//
//	BYT;
//	/path/raspios.img:3980394496B:file:512:512:msdos::;
//	1:4194304B:272629759B:268435456B:fat32::lba;
//	2:272629760B:3980394495B:3707764736B:ext4::;
func parseMachine(out []byte) (*Layout, error) {
	layout := &Layout{}
	sawDisk := false

	for _, fields := range machineRecords(out) {
		if len(fields) == 1 && fields[0] == "BYT" {
			continue
		}
		if !sawDisk {
			// Disk line: path:size:transport:logical:physical:label:model:flags
			if len(fields) < 6 {
				return nil, fmt.Errorf("malformed disk line %q", strings.Join(fields, ":"))
			}
			size, err := parseBytes(fields[1])
			if err != nil {
				return nil, fmt.Errorf("disk size: %w", err)
			}
			layout.DiskSize = size
			layout.Label = fields[5]
			sawDisk = true
			continue
		}

		p, err := parsePartitionRecord(fields)
		if err != nil {
			return nil, err
		}
		layout.Partitions = append(layout.Partitions, p)
	}

	if !sawDisk {
		return nil, errors.New("no disk line in parted output")
	}
	return layout, nil
}

// parsePartitionRecord parses "number:start:end:size:fs:name:flags".
func parsePartitionRecord(fields []string) (Partition, error) {
	if len(fields) < 4 {
		return Partition{}, fmt.Errorf("malformed partition line %q", strings.Join(fields, ":"))
	}
	num, err := strconv.Atoi(fields[0])
	if err != nil {
		return Partition{}, fmt.Errorf("partition number %q: %w", fields[0], err)
	}
	start, err := parseBytes(fields[1])
	if err != nil {
		return Partition{}, fmt.Errorf("partition %d start: %w", num, err)
	}
	end, err := parseBytes(fields[2])
	if err != nil {
		return Partition{}, fmt.Errorf("partition %d end: %w", num, err)
	}
	p := Partition{Number: num, Start: start, End: end, Type: TypePrimary}
	if len(fields) > 4 {
		p.Filesystem = fields[4]
	}
	return p, nil
}

// parseDataEnd parses `parted -ms <img> unit B print free` and returns the
// start of the trailing free region (or last partition end + 1).
func parseDataEnd(out []byte) (int64, error) {
	records := machineRecords(out)
	if len(records) < 3 {
		return 0, errors.New("no partition or free-space lines in parted output")
	}
	last := records[len(records)-1]
	if len(last) < 4 {
		return 0, fmt.Errorf("malformed last line %q", strings.Join(last, ":"))
	}
	if len(last) >= 5 && last[4] == "free" {
		return parseBytes(last[1])
	}
	end, err := parseBytes(last[2])
	if err != nil {
		return 0, err
	}
	return end + 1, nil
}

// logicalStarts parses the human table of `parted -s <img> unit B print`
// and returns the start offsets of rows whose type column is "logical".
// Header lines such as "Sector size (logical/physical)" are skipped because
// only rows starting with a partition number are considered.
func logicalStarts(out []byte) map[int64]bool {
	starts := map[int64]bool{}
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 3 {
			continue
		}
		if _, err := strconv.Atoi(fields[0]); err != nil {
			continue
		}
		start, err := parseBytes(fields[1])
		if err != nil {
			continue
		}
		for _, f := range fields[2:] {
			if f == TypeLogical {
				starts[start] = true
				break
			}
		}
	}
	return starts
}

// machineRecords splits parted machine output into ';'-terminated records
// of ':'-separated fields.
func machineRecords(out []byte) [][]string {
	var records [][]string
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		line = strings.TrimSuffix(line, ";")
		if line == "" {
			continue
		}
		records = append(records, strings.Split(line, ":"))
	}
	return records
}

// parseBytes parses "272629760B".
func parseBytes(s string) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimSpace(s), "B"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid byte value %q", s)
	}
	return n, nil
}
