package ffmpeg

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"vidqueue/task"
)

// ErrInvalidConfig is returned when a task config value cannot be mapped onto ffmpeg arguments.
var ErrInvalidConfig = errors.New("invalid task config")

// Muxer names that differ from the file extension.
var muxers = map[string]string{
	"mkv": "matroska",
	"m4a": "ipod",
	"ts":  "mpegts",
}

type region struct {
	x, y, w, h int
}

// BuildArgs maps a job onto an ffmpeg argument list. The config bag is applied
// verbatim; no codec is chosen on the caller's behalf.
func BuildArgs(job task.Job) ([]string, error) {
	if job.InputPath == "" || job.OutputPath == "" {
		return nil, fmt.Errorf("%w: input and output paths are required", ErrInvalidConfig)
	}
	c := job.Config

	args := []string{"-hide_banner", "-nostdin", "-y", "-i", job.InputPath}

	var typed []string
	var err error
	switch job.Type {
	case task.TypeConvert:
		typed, err = convertArgs(c)
	case task.TypeSplit:
		typed, err = splitArgs(c)
	case task.TypeEdit:
		typed, err = editArgs(c)
	case task.TypeSanitize:
		typed, err = sanitizeArgs(c)
	default:
		return nil, fmt.Errorf("%w: %s", task.ErrUnsupportedTaskType, job.Type)
	}
	if err != nil {
		return nil, err
	}
	args = append(args, typed...)

	if extra := c["extra_args"]; extra != "" {
		split, err := SplitCommand(extra)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		if err := SanitizeAndValidateArgs(split); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		args = append(args, split...)
	}

	if format := c["output_format"]; format != "" && filepath.Ext(job.OutputPath) == "" {
		if m, ok := muxers[format]; ok {
			format = m
		}
		args = append(args, "-f", format)
	}

	// FFMpeg's last argument is the output file
	args = append(args, "-progress", "pipe:1", "-nostats", job.OutputPath)
	return args, nil
}

func convertArgs(c map[string]string) ([]string, error) {
	var args []string

	width, height := c["width"], c["height"]
	if width != "" || height != "" {
		w, err := positiveInt("width", width)
		if err != nil {
			return nil, err
		}
		h, err := positiveInt("height", height)
		if err != nil {
			return nil, err
		}
		args = append(args, "-vf", fmt.Sprintf("scale=%d:%d", w, h))
	}

	if v := c["bitrate"]; v != "" {
		b, err := positiveInt("bitrate", v)
		if err != nil {
			return nil, err
		}
		// bitrate is given in bits per second
		args = append(args, "-b:v", fmt.Sprintf("%dk", b/1000))
	}

	if v := c["framerate"]; v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			return nil, fmt.Errorf("%w: framerate %q", ErrInvalidConfig, v)
		}
		args = append(args, "-r", strconv.FormatFloat(f, 'f', -1, 64))
	}

	codec := c["cpu_codec"]
	if c["use_gpu"] == "true" {
		codec = c["gpu_codec"]
	}
	if codec != "" {
		args = append(args, "-c:v", codec)
	}
	return args, nil
}

func splitArgs(c map[string]string) ([]string, error) {
	start, end, err := splitWindow(c)
	if err != nil {
		return nil, err
	}
	var args []string
	if start > 0 {
		args = append(args, "-ss", strconv.FormatFloat(start, 'f', -1, 64))
	}
	if end > 0 {
		args = append(args, "-to", strconv.FormatFloat(end, 'f', -1, 64))
	}
	if c["cpu_codec"] == "" && c["extra_args"] == "" {
		args = append(args, "-c", "copy")
	} else if c["cpu_codec"] != "" {
		args = append(args, "-c:v", c["cpu_codec"])
	}
	return args, nil
}

// splitWindow returns the start and end offsets in seconds; zero means unset.
func splitWindow(c map[string]string) (start, end float64, err error) {
	if v := c["start_time"]; v != "" {
		if start, err = strconv.ParseFloat(v, 64); err != nil || start < 0 {
			return 0, 0, fmt.Errorf("%w: start_time %q", ErrInvalidConfig, v)
		}
	}
	if v := c["end_time"]; v != "" {
		if end, err = strconv.ParseFloat(v, 64); err != nil || end <= start {
			return 0, 0, fmt.Errorf("%w: end_time %q must be after start_time", ErrInvalidConfig, v)
		}
	}
	return start, end, nil
}

func editArgs(c map[string]string) ([]string, error) {
	var filters []string

	if v := c["crop"]; v != "" {
		r, err := parseRegion(v)
		if err != nil {
			return nil, fmt.Errorf("%w: crop %q", ErrInvalidConfig, v)
		}
		filters = append(filters, fmt.Sprintf("crop=%d:%d:%d:%d", r.w, r.h, r.x, r.y))
	}

	switch v := c["rotate"]; v {
	case "", "0":
	case "90":
		filters = append(filters, "transpose=1")
	case "180":
		filters = append(filters, "hflip", "vflip")
	case "270":
		filters = append(filters, "transpose=2")
	default:
		return nil, fmt.Errorf("%w: rotate must be 90, 180 or 270, got %q", ErrInvalidConfig, v)
	}

	if c["flip"] == "true" {
		filters = append(filters, "vflip")
	}
	if c["flop"] == "true" {
		filters = append(filters, "hflip")
	}

	if len(filters) == 0 {
		return nil, nil
	}
	return []string{"-vf", strings.Join(filters, ",")}, nil
}

func sanitizeArgs(c map[string]string) ([]string, error) {
	var args []string

	if c["remove_metadata"] == "true" {
		args = append(args, "-map_metadata", "-1")
	}

	var regions []region
	if v := c["blur_regions"]; v != "" {
		for _, part := range strings.Split(v, ";") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			r, err := parseRegion(part)
			if err != nil {
				return nil, fmt.Errorf("%w: blur region %q", ErrInvalidConfig, part)
			}
			regions = append(regions, r)
		}
	}
	denoise := c["denoise"] == "true"

	switch {
	case len(regions) > 0:
		args = append(args, blurGraph(regions, denoise)...)
	case denoise:
		args = append(args, "-vf", "hqdn3d")
	}

	if v := c["audio_volume"]; v != "" {
		vol, err := strconv.ParseFloat(v, 64)
		if err != nil || vol < 0 {
			return nil, fmt.Errorf("%w: audio_volume %q", ErrInvalidConfig, v)
		}
		args = append(args, "-af", "volume="+strconv.FormatFloat(vol, 'f', -1, 64))
	}
	return args, nil
}

// blurGraph builds a filter graph that boxblurs each region and overlays it back
// in place, optionally denoising the whole frame first.
func blurGraph(regions []region, denoise bool) []string {
	var parts []string
	cur := "0:v"
	if denoise {
		parts = append(parts, "[0:v]hqdn3d[dn]")
		cur = "dn"
	}
	for i, r := range regions {
		parts = append(parts,
			fmt.Sprintf("[%s]split[m%d][c%d]", cur, i, i),
			fmt.Sprintf("[c%d]crop=%d:%d:%d:%d,boxblur=10[b%d]", i, r.w, r.h, r.x, r.y, i),
			fmt.Sprintf("[m%d][b%d]overlay=%d:%d[o%d]", i, i, r.x, r.y, i),
		)
		cur = fmt.Sprintf("o%d", i)
	}
	return []string{"-filter_complex", strings.Join(parts, ";"), "-map", "[" + cur + "]", "-map", "0:a?"}
}

// parseRegion reads "x,y,width,height".
func parseRegion(s string) (region, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return region{}, errors.New("want x,y,width,height")
	}
	var v [4]int
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 0 {
			return region{}, fmt.Errorf("bad number %q", p)
		}
		v[i] = n
	}
	if v[2] == 0 || v[3] == 0 {
		return region{}, errors.New("width and height must be positive")
	}
	return region{x: v[0], y: v[1], w: v[2], h: v[3]}, nil
}

func positiveInt(name, v string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %s %q", ErrInvalidConfig, name, v)
	}
	return n, nil
}
