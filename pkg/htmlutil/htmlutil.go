package htmlutil

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// GetText concatenates every text node under node, the same way
// goquery's Selection.Text does but for a bare *html.Node.
func GetText(node *html.Node) string {
	var buffer bytes.Buffer
	getTextRecursive(node, &buffer)
	return buffer.String()
}

func getTextRecursive(node *html.Node, buffer *bytes.Buffer) {
	if node == nil {
		return
	}
	if node.Type == html.TextNode {
		buffer.WriteString(node.Data)
		return
	}
	child := node.FirstChild
	for child != nil {
		getTextRecursive(child, buffer)
		child = child.NextSibling
	}
}

// CellText returns the trimmed text content of a node, this is what
// every table-reading parser should use to read a cell.
func CellText(node *html.Node) string {
	return strings.TrimSpace(GetText(node))
}

// Rows returns every <tr> beneath the table, nested tables included.
func Rows(table *goquery.Selection) []*html.Node {
	return table.Find("tr").Nodes
}

// Cells returns every <td> or <th> beneath the row, in document order.
func Cells(row *html.Node) []*html.Node {
	return goquery.NewDocumentFromNode(row).Find("td, th").Nodes
}
