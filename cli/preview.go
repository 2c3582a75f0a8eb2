package cli

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/georgepadayatti/signflow/pdf/images"
	"github.com/georgepadayatti/signflow/pdf/reader"
	"github.com/georgepadayatti/signflow/sign/fields"
	"github.com/georgepadayatti/signflow/stamp"
)

type previewOptions struct {
	name   string
	id     string
	date   string
	badge  bool
	images []string
}

func newPreviewCommand(ro *rootOptions) *cobra.Command {
	o := &previewOptions{}
	cmd := &cobra.Command{
		Use:   "preview [flags] INPUT_PDF OUTPUT_PDF",
		Short: "Watermark a local PDF the way the preview endpoint does",
		Long: `Draw the viewer watermark, the optional "not yet effective" badge and
signature images on a local PDF. Images are placed on the signer markers of
their position:

  signflow preview --name "Nguyen Van A" --id u1 --badge \
    --image 1=alice.png --image 2=bob.jpg contract.pdf out.pdf`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := ro.logger(cmd.ErrOrStderr())
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read input: %w", err)
			}
			opts, err := o.stampOptions(data)
			if err != nil {
				return err
			}
			out, err := stamp.Render(data, opts)
			if err != nil {
				return fmt.Errorf("failed to render preview: %w", err)
			}
			if err := os.WriteFile(args[1], out, 0o644); err != nil {
				return fmt.Errorf("failed to write output: %w", err)
			}
			logger.Debug("preview written", "output", args[1], "stamps", len(opts.Stamps), "bytes", len(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&o.name, "name", "", "Viewer name for the watermark")
	cmd.Flags().StringVar(&o.id, "id", "", "Viewer id for the watermark")
	cmd.Flags().StringVar(&o.date, "date", "", "Watermark date as dd/mm/yyyy (default today)")
	cmd.Flags().BoolVar(&o.badge, "badge", false, `Draw the "not yet effective" badge`)
	cmd.Flags().StringArrayVar(&o.images, "image", nil, "Signature image as POSITION=PATH (repeatable)")
	return cmd
}

func (o *previewOptions) stampOptions(pdf []byte) (stamp.Options, error) {
	date := time.Now()
	if o.date != "" {
		d, err := time.Parse("02/01/2006", o.date)
		if err != nil {
			return stamp.Options{}, fmt.Errorf("invalid --date %q: want dd/mm/yyyy", o.date)
		}
		date = d
	}
	opts := stamp.Options{Watermark: stamp.DefaultWatermark(stamp.WatermarkText(o.name, o.id, date))}
	if o.badge {
		opts.Badge = stamp.DefaultBadge()
	}
	if len(o.images) == 0 {
		return opts, nil
	}

	doc, err := reader.Open(pdf)
	if err != nil {
		return stamp.Options{}, err
	}
	fm, err := fields.Locate(doc)
	if err != nil {
		return stamp.Options{}, err
	}
	for _, spec := range o.images {
		pos, path, ok := strings.Cut(spec, "=")
		position, err := strconv.Atoi(pos)
		if !ok || err != nil || position <= 0 {
			return stamp.Options{}, fmt.Errorf("invalid --image %q: want POSITION=PATH", spec)
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return stamp.Options{}, fmt.Errorf("failed to read image: %w", err)
		}
		img, err := images.Decode(raw)
		if err != nil {
			return stamp.Options{}, fmt.Errorf("image %s: %w", path, err)
		}
		for _, pageIndex := range fm.Pages() {
			page, err := doc.Page(pageIndex)
			if err != nil {
				return stamp.Options{}, err
			}
			for _, rect := range fm[pageIndex][position] {
				opts.Stamps = append(opts.Stamps, stamp.SignerStamp{
					Page:  pageIndex,
					Box:   fields.DefaultSignatureBox(rect, page),
					Image: img,
				})
			}
		}
	}
	return opts, nil
}
