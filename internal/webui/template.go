package webui

const indexTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>UEFI Images</title>
<style>
body { font-family: sans-serif; max-width: 48rem; margin: 2rem auto; padding: 0 1rem; }
table { width: 100%; border-collapse: collapse; }
th, td { text-align: left; padding: 0.4rem; border-bottom: 1px solid #ddd; }
td.size { text-align: right; }
form { margin-top: 2rem; }
</style>
</head>
<body>
<h1>UEFI Images</h1>
{{if .}}
<table>
<tr><th>Image</th><th>Size</th><th>Built</th></tr>
{{range .}}
<tr>
<td><a href="{{.URL}}">{{.Name}}</a> (<a href="/api/images/{{.Name}}">details</a>)</td>
<td class="size">{{bytes .Size}}</td>
<td>{{.Modified.Format "2006-01-02 15:04:05"}}</td>
</tr>
{{end}}
</table>
{{else}}
<p>No images yet.</p>
{{end}}
<form id="upload">
<h2>Build from zip</h2>
<p>The archive's contents become the root of the EFI System Partition.</p>
<input type="text" name="name" placeholder="boot.img" required pattern="[A-Za-z0-9][A-Za-z0-9._-]*\.img">
<input type="file" name="file" accept=".zip" required>
<button type="submit">Build</button>
<p id="status"></p>
</form>
<script>
document.getElementById('upload').addEventListener('submit', async (e) => {
  e.preventDefault();
  const form = e.target;
  const status = document.getElementById('status');
  const body = new FormData();
  body.append('file', form.elements['file'].files[0]);
  status.textContent = 'Building...';
  const resp = await fetch('/api/images/' + encodeURIComponent(form.elements['name'].value), { method: 'POST', body });
  const result = await resp.json();
  if (result.success) {
    location.reload();
  } else {
    status.textContent = 'Error: ' + result.error;
  }
});
</script>
</body>
</html>
`
