package worker

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gitlab.com/NebulousLabs/errors"

	"gitlab.com/fetchlabs/fetchd/modules"
)

// sanitizeComponent strips characters that are unsafe in a single path
// component and collapses the result to something a library scanner accepts.
func sanitizeComponent(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r == '/' || r == '\\' || r == ':' || r == '*' || r == '?' ||
			r == '"' || r == '<' || r == '>' || r == '|' || r < 0x20:
			b.WriteRune(' ')
		default:
			b.WriteRune(r)
		}
	}
	cleaned := strings.Join(strings.Fields(b.String()), " ")
	return strings.Trim(cleaned, ". ")
}

// libraryPath computes the final library path for a job's media file. The
// extension is carried over from the downloaded file.
func (w *Worker) libraryPath(job modules.Job, srcPath string) (string, error) {
	ext := filepath.Ext(srcPath)
	title := sanitizeComponent(job.Title)
	if title == "" {
		title = sanitizeComponent(strings.TrimSuffix(filepath.Base(srcPath), ext))
	}
	if title == "" {
		return "", errors.Compose(errors.New("no usable title for library placement"), modules.ErrFinalize)
	}

	var suffix string
	if lang, ok := job.Metadata.MetaString(modules.MetaLanguage); ok {
		suffix = " - " + sanitizeComponent(strings.ToUpper(lang))
	}

	switch job.Category {
	case modules.CategoryMovies:
		if year, ok := job.Metadata.MetaInt(modules.MetaYear); ok {
			title = fmt.Sprintf("%s (%d)", title, year)
		}
		return filepath.Join(w.config.Paths.Library, modules.CategoryMovies, title, title+suffix+ext), nil

	case modules.CategoryTV:
		series, ok := job.Metadata.MetaString(modules.MetaSeriesTitle)
		if !ok {
			series = title
		}
		series = sanitizeComponent(series)
		season, hasSeason := job.Metadata.MetaInt(modules.MetaSeason)
		episode, hasEpisode := job.Metadata.MetaInt(modules.MetaEpisode)
		if !hasSeason || !hasEpisode {
			// Without numbering the episode goes into the series folder
			// under its own title.
			return filepath.Join(w.config.Paths.Library, modules.CategoryTV, series, title+suffix+ext), nil
		}
		name := fmt.Sprintf("%s - S%02dE%02d", series, season, episode)
		if epTitle, ok := job.Metadata.MetaString(modules.MetaEpisodeTitle); ok {
			name += " - " + sanitizeComponent(epTitle)
		}
		seasonDir := fmt.Sprintf("Season %02d", season)
		return filepath.Join(w.config.Paths.Library, modules.CategoryTV, series, seasonDir, name+suffix+ext), nil

	default:
		return filepath.Join(w.config.Paths.Library, job.Category, title+suffix+ext), nil
	}
}

// pickPayload selects the transfer's payload file: the largest regular file
// the daemon reports, which must be non-empty and inside the download
// directory.
func (w *Worker) pickPayload(status modules.DownloadStatus) (string, uint64, error) {
	var best modules.DownloadFile
	for _, f := range status.Files {
		if f.Length > best.Length {
			best = f
		}
	}
	if best.Path == "" || best.Length == 0 {
		return "", 0, errors.Compose(errors.New("transfer produced no payload"), modules.ErrFinalize)
	}

	downloads, err := filepath.Abs(w.config.Paths.Downloads)
	if err != nil {
		return "", 0, errors.Compose(err, modules.ErrFinalize)
	}
	payload, err := filepath.Abs(best.Path)
	if err != nil {
		return "", 0, errors.Compose(err, modules.ErrFinalize)
	}
	rel, err := filepath.Rel(downloads, payload)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", 0, errors.Compose(errors.New("payload escapes the download directory: "+best.Path), modules.ErrFinalize)
	}

	info, err := os.Stat(payload)
	if err != nil {
		return "", 0, errors.Compose(errors.AddContext(err, "payload missing"), modules.ErrFinalize)
	}
	if !info.Mode().IsRegular() || info.Size() == 0 {
		return "", 0, errors.Compose(errors.New("payload is not a regular non-empty file"), modules.ErrFinalize)
	}
	return payload, uint64(info.Size()), nil
}

// uniquePath returns path, or a numbered variant when path already exists.
func uniquePath(path string) string {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	for i := 2; ; i++ {
		candidate := stem + " (" + strconv.Itoa(i) + ")" + ext
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}

// moveFile renames src to dst, falling back to copy-verify-unlink when the
// rename crosses filesystems.
func moveFile(src, dst string, size uint64) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	written, err := io.Copy(out, in)
	if err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return err
	}
	if uint64(written) != size {
		os.Remove(dst)
		return errors.New("copy verification failed: size mismatch")
	}
	return os.Remove(src)
}

// managedFinalize moves a completed transfer into the library and completes
// the job.
func (w *Worker) managedFinalize(job modules.Job, status modules.DownloadStatus) {
	payload, size, err := w.pickPayload(status)
	if err != nil {
		w.managedFail(job, err)
		return
	}
	finalPath, err := w.libraryPath(job, payload)
	if err != nil {
		w.managedFail(job, err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(finalPath), 0755); err != nil {
		w.managedFail(job, errors.Compose(errors.AddContext(err, "unable to create library directory"), modules.ErrFinalize))
		return
	}
	finalPath = uniquePath(finalPath)
	if err := moveFile(payload, finalPath, size); err != nil {
		w.managedFail(job, errors.Compose(errors.AddContext(err, "unable to place file in library"), modules.ErrFinalize))
		return
	}

	progress := 100.0
	updated, err := w.queue.Transition(job.ID, modules.StatusDownloading, modules.StatusCompleted, modules.TransitionFields{
		FinalPath:     &finalPath,
		FileSizeBytes: &size,
		Progress:      &progress,
		TmpPath:       new(string),
	})
	if err != nil {
		// The row moved while the file was in flight (e.g. a cancel). The
		// file stays in the library; the row wins.
		w.log.Println("finalized job", job.ID, "but could not complete it:", err)
		return
	}
	if err := w.downloader.Purge(job.DownloaderHandle); err != nil {
		w.log.Debugln("unable to purge completed handle:", err)
	}

	if w.media != nil {
		if err := w.media.RefreshLibrary(); err != nil {
			// Refresh failures never fail the job, but they are recorded so
			// an operator can see why new items are missing from the shelf.
			auditErr := w.queue.AppendAudit(modules.AuditRecord{
				Actor:       "system",
				Action:      "mediaserver.refresh_failed",
				SubjectType: "job",
				SubjectID:   strconv.FormatUint(job.ID, 10),
				Payload:     err.Error(),
			})
			if auditErr != nil {
				w.log.Println("unable to audit refresh failure:", auditErr)
			}
			w.log.Println("media server refresh failed:", err)
		}
	}
	w.managedRecordTerminal(updated, modules.EventJobCompleted, finalPath)
}
