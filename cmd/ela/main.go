// Command ela renders the error level analysis image of a picture, the same
// image the forgery model is fed before resizing.
package main

import (
	"flag"
	"fmt"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"

	"github.com/Brownie44l1/forensics-api/internal/preprocess"
)

func main() {
	inPath := flag.String("in", "", "Input image (JPEG, PNG, GIF, BMP, TIFF, WebP)")
	outPath := flag.String("out", "", "Output PNG (default: <input>_ela.png)")
	quality := flag.Int("quality", preprocess.DefaultELAQuality, "JPEG quality used for recompression")
	flag.Parse()

	if *inPath == "" {
		fmt.Fprintln(os.Stderr, "usage: ela -in photo.jpg [-out photo_ela.png] [-quality 90]")
		os.Exit(2)
	}
	if *outPath == "" {
		*outPath = defaultOutput(*inPath)
	}

	res, err := run(*inPath, *outPath, *quality)
	if err != nil {
		color.Red("[!] %v", err)
		os.Exit(1)
	}

	color.Green("[+] ELA image written to %s", *outPath)
	fmt.Printf("    max difference %d, brightness scale %.2f\n", res.MaxDiff, res.Scale)
}

func run(inPath, outPath string, quality int) (*preprocess.ELAResult, error) {
	f, err := os.Open(inPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, format, err := preprocess.Decode(f)
	if err != nil {
		return nil, err
	}
	color.Cyan("[*] %s: %s %dx%d", filepath.Base(inPath), format, img.Bounds().Dx(), img.Bounds().Dy())

	res, err := preprocess.ELA{Quality: quality}.Transform(img)
	if err != nil {
		return nil, err
	}

	out, err := os.Create(outPath)
	if err != nil {
		return nil, err
	}
	if err := png.Encode(out, res.Image); err != nil {
		out.Close()
		return nil, fmt.Errorf("failed to write %s: %w", outPath, err)
	}
	return res, out.Close()
}

func defaultOutput(in string) string {
	ext := filepath.Ext(in)
	return strings.TrimSuffix(in, ext) + "_ela.png"
}
