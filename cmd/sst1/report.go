package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/x/ansi"

	"github.com/tinyrange/sst1/internal/devices/pci"
	"github.com/tinyrange/sst1/internal/devices/sst1"
)

var headingStyle = ansi.Style{}.Bold().ForegroundColor(ansi.Green)

type report struct {
	w     *bufio.Writer
	color bool
}

func (r *report) heading(s string) {
	if r.color {
		s = headingStyle.Styled(s)
	}
	fmt.Fprintln(r.w, s)
}

// table prints rows with the first column padded to its widest cell.
func (r *report) table(rows [][]string) {
	widths := map[int]int{}
	for _, row := range rows {
		for i, cell := range row[:len(row)-1] {
			widths[i] = max(widths[i], ansi.StringWidth(cell))
		}
	}
	for _, row := range rows {
		var line strings.Builder
		line.WriteString("  ")
		for i, cell := range row {
			if i == len(row)-1 {
				line.WriteString(cell)
				break
			}
			pad := strings.Repeat(" ", widths[i]-ansi.StringWidth(cell)+2)
			line.WriteString(cell)
			line.WriteString(pad)
		}
		fmt.Fprintln(r.w, line.String())
	}
}

// writeReport prints what a guest would see of the device: identity read
// back through config space, the BAR window, the region tree and the enable
// flags, followed by the replayed script.
func writeReport(w io.Writer, color bool, b *board, results []stepResult) error {
	r := &report{w: bufio.NewWriter(w), color: color}

	vendor, err := b.configRead(pci.ConfigVendorID, 2)
	if err != nil {
		return err
	}
	device, err := b.configRead(pci.ConfigDeviceID, 2)
	if err != nil {
		return err
	}
	class, err := b.configRead(pci.ConfigRevision, 4)
	if err != nil {
		return err
	}
	bar0, err := b.dev.BAR0()
	if err != nil {
		return err
	}
	reg, err := b.dev.InitEnable()
	if err != nil {
		return err
	}
	flags, err := b.dev.Flags()
	if err != nil {
		return err
	}
	tree, err := b.dev.Regions()
	if err != nil {
		return err
	}
	bus, slot, fn, err := b.dev.Location()
	if err != nil {
		return err
	}
	info := b.dev.Info()

	r.heading(fmt.Sprintf("SST-1 at %02x:%02x.%x", bus, slot, fn))
	r.table([][]string{
		{"vendor", fmt.Sprintf("%#06x", vendor)},
		{"device", fmt.Sprintf("%#06x", device)},
		{"class", fmt.Sprintf("%#08x", class>>8)},
		{"category", info.Category},
		{"interfaces", strings.Join(info.Interfaces, ",")},
		{"bar0", fmt.Sprintf("%#x (%d MiB, memory)", bar0, sst1.BARSize>>20)},
		{"initEnable", fmt.Sprintf("%#010x", reg)},
		{"flags", flags.String()},
	})

	r.heading("Regions")
	root := tree.Root()
	rows := [][]string{{root.Name, root.Kind.String(), span(root.Offset, root.Size)}}
	for _, child := range root.Children() {
		rows = append(rows, []string{"  " + child.Name, child.Kind.String(), span(child.Offset, child.Size)})
	}
	r.table(rows)

	if len(results) > 0 {
		r.heading("Script")
		rows = rows[:0]
		for i, res := range results {
			rows = append(rows, []string{fmt.Sprintf("%d", i), res.String()})
		}
		r.table(rows)
	}
	return r.w.Flush()
}

func span(offset, size uint64) string {
	return fmt.Sprintf("[%#08x-%#08x) %d KiB", offset, offset+size, size>>10)
}
